// Package client is the Go SDK for the traceledger REST API.
//
// Record an event at the end of a batch chain:
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ev, err := c.AppendEvent(ctx, client.AppendRequest{
//	    BatchID:   "BATCH-2024-0042",
//	    ActorID:   "farmer-17",
//	    ActorRole: "GROWER",
//	    EventType: "HARVESTED",
//	    EventData: map[string]any{"crop": "tomato", "quantity_kg": 1200},
//	})
//
// # Checking a batch
//
// History returns the events in chain order together with the verification
// of exactly those events. Verify runs only the integrity check:
//
//	v, err := c.Verify(ctx, "BATCH-2024-0042")
//	if err == nil && !v.Valid {
//	    fmt.Println("chain broken at", v.BreakingEventID, v.Message)
//	}
//
// A broken chain is reported in the result, not as an error.
//
// # Errors
//
// Non-2xx responses are returned as *APIError. Validation failures carry the
// offending field; Temporary reports whether a retry may succeed (storage
// unavailable or rate limited).
package client
