// Package notifier delivers new-item notifications to subscribed chats.
//
// The resolver hands over one item per detected change. The service
// renders it once, then a worker sends it to each subscriber in turn with
// a short pause between chats. Sends share one token bucket and retry with
// jittered backoff. Photo items go out as a photo with the message as
// caption, falling back to text when the image is rejected.
//
// A (handle, id) pair is delivered at most once per dedup window. The
// window is kept in memory and written through to storage so a restart
// does not resend.
package notifier
