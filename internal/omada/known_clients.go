package omada

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// KnownClient is a client from the controller's history, connected or
// not.
type KnownClient struct{ Record }

func (k KnownClient) MAC() string     { return k.String("mac") }
func (k KnownClient) Name() string    { return k.String("name") }
func (k KnownClient) Wireless() bool  { return k.Bool("wireless") }
func (k KnownClient) Guest() bool     { return k.Bool("guest") }
func (k KnownClient) Download() int64 { return k.Int("download", 0) }
func (k KnownClient) Upload() int64   { return k.Int("upload", 0) }
func (k KnownClient) Duration() int64 { return k.Int("duration", 0) }
func (k KnownClient) Blocked() bool   { return k.Bool("block") }
func (k KnownClient) Manager() bool   { return k.Bool("manager") }

// LastSeen is a millisecond timestamp, 0 when never reported.
func (k KnownClient) LastSeen() int64 { return k.Int("lastSeen", 0) }

// KnownClients is the collection of historical clients.
type KnownClients struct {
	*Collection[KnownClient]
	request RequestFunc
}

func newKnownClients(request RequestFunc, logger *slog.Logger) *KnownClients {
	return &KnownClients{
		Collection: NewCollection(CollectionConfig[KnownClient]{
			Name:     "known_clients",
			Endpoint: "/insight/clients",
			Key:      "mac",
			DataKey:  "data",
			View:     func(r Record) KnownClient { return KnownClient{r} },
			Request:  request,
			Logger:   logger,
		}),
		request: request,
	}
}

// SetBlocked blocks or unblocks a client. Local state is not changed;
// the next update reflects the result.
func (k *KnownClients) SetBlocked(ctx context.Context, mac string, block bool) error {
	action := "unblock"
	if block {
		action = "block"
	}
	endpoint := fmt.Sprintf("/cmd/clients/%s/%s", url.PathEscape(mac), action)
	if _, err := k.request(ctx, http.MethodPost, endpoint, nil, nil); err != nil {
		return fmt.Errorf("%s client %s: %w", action, mac, err)
	}
	return nil
}
