// Package omada is a client for the TP-Link Omada SDN controller REST
// API. It owns the authenticated session, adapts URL shapes and token
// placement to the controller's reported version, and keeps reconciled
// in-memory collections of clients, known clients and devices.
//
// Controllers at or above 5.0.0 scope every path with the controller
// id, address sites by an opaque id resolved at login, and expect the
// session token in a Csrf-Token header. Older controllers use the site
// name in the path and a token query parameter. The resolution is
// recomputed from the current session on every request, so a relogin
// after a controller upgrade picks up the new shape without rebuilding
// anything.
//
// A [Controller] is the unit of lifetime for one configured site
// connection. It is not self-scheduling: the caller drives
// [Controller.Login], [Controller.UpdateStatus], [Controller.UpdateSSIDs]
// and the collection updates, and decides how to react to each error
// kind (see errors.go).
package omada
