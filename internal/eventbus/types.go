package eventbus

// Result is reserved for future per-delivery feedback (e.g. a veto/ack
// outcome); delivery is currently fire-and-forget, so it carries only
// diagnostic warnings today.
type Result struct {
	Warnings []string
}
