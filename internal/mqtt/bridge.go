package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/events"
	"github.com/nugget/omada-bridge/internal/integration"
)

// ErrUnknownCommand is returned for a message on a topic no announced
// entity listens on.
var ErrUnknownCommand = errors.New("unknown command topic")

// Availability payloads.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
}

// Registry remembers the discovery topic of every announced entity,
// keyed by unique id. *opstate.Registry satisfies it.
type Registry interface {
	Put(key, value string) error
	Remove(key string) error
	Snapshot() map[string]string
}

// BridgeConfig configures a [Bridge].
type BridgeConfig struct {
	MQTT        config.MQTTConfig
	InstanceID  string
	Integration *integration.Integration

	// Registry persists announced entities so they can be withdrawn
	// after a restart. Nil keeps them in memory only.
	Registry Registry

	Logger *slog.Logger
	Now    func() time.Time
}

// Bridge mirrors one site connection into Home Assistant through MQTT
// discovery. It is transport agnostic: [Conn] feeds it a Publisher on
// every (re-)connect and routes command messages to HandleCommand.
type Bridge struct {
	cfg    BridgeConfig
	integ  *integration.Integration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	pub       Publisher
	registry  Registry
	announced map[string]string // unique id -> discovery payload
	states    map[string]string // topic -> last payload
	uptimes   map[string]uptimeState
	commands  map[string]command // command topic -> handler
	loaded    bool
}

type command struct {
	uid        string
	component  string
	stateTopic string
	run        func(ctx context.Context, payload string) error
}

// uptimeState pins the boot timestamp derived from an uptime counter
// so it does not drift between polls.
type uptimeState struct {
	seconds int64
	since   string
}

// entity is one concrete entity instance for the current data.
type entity struct {
	desc
	uid        string
	objectID   string
	device     DeviceInfo
	siteScoped bool
	state      string
	attrs      map[string]any
	command    func(ctx context.Context, payload string) error
}

// NewBridge creates a bridge. Nothing is published until OnConnect.
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Registry == nil {
		cfg.Registry = newMemoryRegistry()
	}
	return &Bridge{
		cfg:       cfg,
		integ:     cfg.Integration,
		logger:    cfg.Logger.With("component", "mqtt", "entry", cfg.Integration.EntryID()),
		now:       cfg.Now,
		registry:  cfg.Registry,
		announced: make(map[string]string),
		states:    make(map[string]string),
		uptimes:   make(map[string]uptimeState),
		commands:  make(map[string]command),
	}
}

// --- Topic helpers ---

func (b *Bridge) baseTopic() string {
	return "omada-bridge/" + b.cfg.MQTT.DeviceName
}

// AvailabilityTopic carries the bridge's own online/offline status and
// is the connection's will topic.
func (b *Bridge) AvailabilityTopic() string {
	return b.baseTopic() + "/availability"
}

// CommandFilter is the subscription covering every command topic.
func (b *Bridge) CommandFilter() string {
	return b.baseTopic() + "/+/+/set"
}

func (b *Bridge) siteTopic() string {
	return b.baseTopic() + "/" + b.integ.EntryID()
}

func (b *Bridge) siteAvailabilityTopic() string {
	return b.siteTopic() + "/availability"
}

func (b *Bridge) stateTopic(objectID string) string {
	return b.siteTopic() + "/" + objectID + "/state"
}

func (b *Bridge) attributesTopic(objectID string) string {
	return b.siteTopic() + "/" + objectID + "/attributes"
}

func (b *Bridge) commandTopic(objectID string) string {
	return b.siteTopic() + "/" + objectID + "/set"
}

func (b *Bridge) discoveryTopic(component, objectID string) string {
	return b.cfg.MQTT.DiscoveryPrefix + "/" + component + "/" + b.cfg.MQTT.DeviceName + "/" + objectID + "/config"
}

// --- Lifecycle ---

// OnConnect is called on every (re-)connect. The broker may have lost
// retained messages, so every discovery config and state is republished.
func (b *Bridge) OnConnect(ctx context.Context, pub Publisher) {
	b.mu.Lock()
	b.pub = pub
	clear(b.announced)
	clear(b.states)
	b.mu.Unlock()

	if err := pub.Publish(ctx, b.AvailabilityTopic(), []byte(StatusOnline), true); err != nil {
		b.logger.Warn("mqtt availability publish failed", "error", err)
	}
	if err := b.Sync(ctx); err != nil {
		b.logger.Warn("mqtt sync after connect failed", "error", err)
	}
}

// Run syncs on every data_updated and options_updated event for this
// site until ctx is cancelled or events is closed.
func (b *Bridge) Run(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			if e.Kind != events.KindDataUpdated && e.Kind != events.KindOptionsUpdated {
				continue
			}
			if entry, _ := e.Data["entry"].(string); entry != "" && entry != b.integ.EntryID() {
				continue
			}
			if err := b.Sync(ctx); err != nil {
				b.logger.Warn("mqtt sync failed", "trigger", e.Kind, "error", err)
			}
		}
	}
}

// Sync reconciles the broker with the current data and options:
// stale entities are withdrawn, new ones announced and changed states
// published. Withdrawal waits for the first successful poll so an empty
// cache after a restart cannot wipe the registry.
func (b *Bridge) Sync(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub == nil {
		return nil
	}
	if b.integ.Available() && !b.integ.LastPoll().IsZero() {
		b.loaded = true
	}

	desired := b.desired()
	var errs []error

	b.publishLocked(ctx, b.siteAvailabilityTopic(), availabilityPayload(b.integ.Available()), true, &errs)

	if b.loaded {
		for uid, topic := range b.registry.Snapshot() {
			if _, ok := desired[uid]; ok {
				continue
			}
			if err := b.pub.Publish(ctx, topic, nil, true); err != nil {
				errs = append(errs, fmt.Errorf("withdraw %s: %w", uid, err))
				continue
			}
			if err := b.registry.Remove(uid); err != nil {
				errs = append(errs, err)
			}
			delete(b.announced, uid)
			delete(b.uptimes, uid)
			b.logger.Debug("mqtt entity withdrawn", "unique_id", uid)
		}
	}

	commands := make(map[string]command)
	for _, uid := range slices.Sorted(maps.Keys(desired)) {
		e := desired[uid]
		cfg := b.entityConfig(e)
		payload := mustJSON(cfg)
		topic := b.discoveryTopic(e.component, e.objectID)
		if b.announced[uid] != payload {
			if err := b.pub.Publish(ctx, topic, []byte(payload), true); err != nil {
				errs = append(errs, fmt.Errorf("announce %s: %w", uid, err))
				continue
			}
			if err := b.registry.Put(uid, topic); err != nil {
				errs = append(errs, err)
			}
			b.announced[uid] = payload
			b.logger.Debug("mqtt entity announced", "unique_id", uid, "topic", topic)
		}

		if cfg.StateTopic != "" {
			state := e.state
			if e.uptime {
				state = b.stableUptime(uid, state)
			}
			b.publishLocked(ctx, cfg.StateTopic, state, true, &errs)
		}
		if cfg.JSONAttributesTopic != "" {
			b.publishLocked(ctx, cfg.JSONAttributesTopic, mustJSON(e.attrs), true, &errs)
		}
		if e.command != nil {
			commands[cfg.CommandTopic] = command{uid: uid, component: e.component, stateTopic: cfg.StateTopic, run: e.command}
		}
	}
	b.commands = commands
	return errors.Join(errs...)
}

// publishLocked publishes payload unless it matches what was last sent
// on topic.
func (b *Bridge) publishLocked(ctx context.Context, topic, payload string, retain bool, errs *[]error) {
	if last, ok := b.states[topic]; ok && last == payload {
		return
	}
	if err := b.pub.Publish(ctx, topic, []byte(payload), retain); err != nil {
		*errs = append(*errs, fmt.Errorf("publish %s: %w", topic, err))
		return
	}
	b.states[topic] = payload
}

// stableUptime turns an uptime in seconds into a boot timestamp. The
// timestamp is only recomputed when the counter went backwards or was
// unknown, so polling jitter does not move it.
func (b *Bridge) stableUptime(uid, state string) string {
	secs, err := strconv.ParseInt(state, 10, 64)
	if err != nil || secs < 0 {
		delete(b.uptimes, uid)
		return payloadNone
	}
	prev, ok := b.uptimes[uid]
	if !ok || secs < prev.seconds {
		prev.since = b.now().Add(-time.Duration(secs) * time.Second).UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	prev.seconds = secs
	b.uptimes[uid] = prev
	return prev.since
}

// HandleCommand runs the mutation behind a command topic, publishes the
// optimistic state for switches and requests an immediate refresh.
func (b *Bridge) HandleCommand(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	cmd, ok := b.commands[topic]
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("mqtt command on unknown topic", "topic", topic)
		return fmt.Errorf("%w: %s", ErrUnknownCommand, topic)
	}

	p := strings.TrimSpace(string(payload))
	err := cmd.run(ctx, p)

	data := map[string]any{
		"entry":     b.integ.EntryID(),
		"unique_id": cmd.uid,
		"payload":   p,
		"ok":        err == nil,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.integ.Bus().Emit(events.SourceMQTT, events.KindCommand, data)

	if err != nil {
		b.logger.Warn("mqtt command failed", "unique_id", cmd.uid, "payload", p, "error", err)
		return err
	}
	b.logger.Info("mqtt command executed", "unique_id", cmd.uid, "payload", p)

	if cmd.component == componentSwitch {
		b.mu.Lock()
		if b.pub != nil {
			var errs []error
			b.publishLocked(ctx, cmd.stateTopic, p, true, &errs)
			if len(errs) > 0 {
				b.logger.Debug("mqtt optimistic state publish failed", "error", errors.Join(errs...))
			}
		}
		b.mu.Unlock()
	}
	b.integ.TriggerRefresh()
	return nil
}

// Entities returns the number of currently announced entities.
func (b *Bridge) Entities() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.announced)
}

// --- Entity construction ---

// desired builds every entity the current data and options call for.
func (b *Bridge) desired() map[string]entity {
	ctrl := b.integ.Controller()
	opts := b.integ.Options()
	out := make(map[string]entity)
	add := func(e entity) { out[e.uid] = e }

	via := controllerIdentifier(ctrl)
	ctrlDevice := controllerDevice(ctrl)

	add(entity{
		desc:     desc{key: "controller_connected", component: componentBinarySensor, name: "Controller Connected", deviceClass: "connectivity", category: categoryDiagnostic},
		uid:      b.cfg.InstanceID + "_" + slug(b.integ.EntryID()) + "_connected",
		objectID: slug(b.integ.EntryID()) + "_connected",
		device:   bridgeDevice(b.cfg.InstanceID, b.cfg.MQTT.DeviceName),
		state:    onOff(b.integ.Available(), payloadOn, payloadOff),
	})

	for _, ce := range controllerEntities {
		e := entity{
			desc:       ce.desc,
			uid:        ce.key + "-" + strings.TrimPrefix(via, "omada_"),
			objectID:   slug(b.integ.EntryID() + "_" + ce.key),
			device:     ctrlDevice,
			siteScoped: true,
		}
		if ce.state != nil {
			if !opts.TrackDevices {
				continue
			}
			state, ok := ce.state(ctrl)
			if !ok {
				continue
			}
			e.state = state
		}
		if ce.command != nil {
			run := ce.command
			e.command = func(ctx context.Context, payload string) error { return run(ctx, ctrl, payload) }
		}
		add(e)
	}

	for _, d := range ctrl.Devices.All() {
		mac := d.MAC()
		if mac == "" {
			continue
		}
		dev := networkDevice(d, via)
		descs := append(slices.Clone(deviceEntities), ssidSwitches(d)...)
		for _, de := range descs {
			if !de.allowed(opts) || !de.supported(d) {
				continue
			}
			e := entity{
				desc:       de.desc,
				uid:        de.key + "-" + mac,
				objectID:   slug(b.integ.EntryID() + "_" + mac + "_" + de.key),
				device:     dev,
				siteScoped: true,
				state:      de.state(d),
			}
			if e.name == "" {
				e.name = d.DisplayName()
			}
			if de.attrs != nil {
				e.attrs = de.attrs(d)
			}
			if de.command != nil {
				run := de.command
				e.command = func(ctx context.Context, payload string) error { return run(ctx, ctrl, mac, payload) }
			}
			add(e)
		}
	}

	for _, v := range b.clientViews() {
		dev := clientDevice(v.mac, v.name())
		for _, ce := range clientEntities {
			if !ce.allowed(opts) || !ce.supported(v) {
				continue
			}
			e := entity{
				desc:       ce.desc,
				uid:        ce.key + "-" + v.mac,
				objectID:   slug(b.integ.EntryID() + "_" + v.mac + "_" + ce.key),
				device:     dev,
				siteScoped: true,
				state:      ce.state(v),
			}
			if e.name == "" {
				e.name = v.name()
			}
			if ce.attrs != nil {
				e.attrs = ce.attrs(v)
			}
			if ce.command != nil {
				run, mac := ce.command, v.mac
				e.command = func(ctx context.Context, payload string) error { return run(ctx, ctrl, mac, payload) }
			}
			add(e)
		}
	}
	return out
}

// clientViews joins known and connected clients that pass the SSID
// filter.
func (b *Bridge) clientViews() []clientView {
	ctrl := b.integ.Controller()
	macs := append(ctrl.KnownClients.Keys(), ctrl.Clients.Keys()...)
	slices.Sort(macs)
	macs = slices.Compact(macs)

	views := make([]clientView, 0, len(macs))
	for _, mac := range macs {
		if !b.integ.IsClientAllowed(mac) {
			continue
		}
		known, _ := ctrl.KnownClients.Lookup(mac)
		client, online := ctrl.Clients.Lookup(mac)
		views = append(views, clientView{
			mac:       mac,
			known:     known,
			client:    client,
			online:    online,
			connected: b.integ.ClientConnected(mac),
		})
	}
	return views
}

func (b *Bridge) entityConfig(e entity) EntityConfig {
	cfg := EntityConfig{
		Name:              e.name,
		UniqueID:          e.uid,
		ObjectID:          e.objectID,
		Device:            e.device,
		Availability:      []Availability{{Topic: b.AvailabilityTopic()}},
		Icon:              e.icon,
		DeviceClass:       e.deviceClass,
		StateClass:        e.stateClass,
		UnitOfMeasurement: e.unit,
		EntityCategory:    e.category,
	}
	if e.siteScoped {
		cfg.Availability = append(cfg.Availability, Availability{Topic: b.siteAvailabilityTopic()})
		cfg.AvailabilityMode = "all"
	}
	if e.component != componentButton {
		cfg.StateTopic = b.stateTopic(e.objectID)
	}
	if e.attrs != nil {
		cfg.JSONAttributesTopic = b.attributesTopic(e.objectID)
	}
	if e.command != nil {
		cfg.CommandTopic = b.commandTopic(e.objectID)
	}

	switch e.component {
	case componentTracker:
		cfg.SourceType = "router"
		cfg.PayloadHome = payloadHome
		cfg.PayloadNotHome = payloadNotHome
		cfg.DeviceClass = ""
	case componentSwitch, componentBinarySensor:
		cfg.PayloadOn = payloadOn
		cfg.PayloadOff = payloadOff
	case componentButton:
		cfg.PayloadPress = payloadPress
	case componentUpdate:
		cfg.PayloadInstall = payloadInstall
	}
	return cfg
}

func availabilityPayload(available bool) string {
	return onOff(available, StatusOnline, StatusOffline)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mqtt: marshal %T: %v", v, err))
	}
	return string(data)
}

// memoryRegistry is the Registry used when none is configured.
type memoryRegistry struct {
	mu    sync.Mutex
	items map[string]string
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{items: make(map[string]string)}
}

func (r *memoryRegistry) Put(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[key] = value
	return nil
}

func (r *memoryRegistry) Remove(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, key)
	return nil
}

func (r *memoryRegistry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.items)
}
