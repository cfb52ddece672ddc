// Package client connects to a parley server.
//
// Client wraps the HTTP endpoints. Session keeps one conversation in sync over
// a WebSocket: it reconnects with exponential backoff, resumes from the last
// applied sequence and folds every envelope into a transcript.State.
//
//	sess := client.NewSession(client.Options{
//	    BaseURL:        "http://localhost:8080",
//	    ConversationID: "conv-1",
//	})
//	go sess.Run(ctx)
//
//	tempID, err := sess.Send("hello", nil)
//	st, err := sess.Wait(ctx, func(s transcript.State) bool {
//	    t, ok := s.LastTurn()
//	    return ok && t.Role == transcript.RoleAssistant && !t.Open
//	})
//
// Envelopes are applied one at a time from the read loop; OnUpdate callbacks
// run on that goroutine.
package client
