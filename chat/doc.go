// Package chat records live Twitch chat through the same classifier used for
// exported logs.
//
// IRC events are rendered into Chatterino export lines ("[HH:MM:SS] user:
// text", sub notices, timeouts, room mode changes) and handed to an
// ingest.Ingester one line at a time, so live and file-based events share a
// single set of rules and a single schema. Each recorder session gets its own
// run id; unrecognized lines land in parse_failures like any other miss.
//
// The client logs in anonymously unless both TWITCH_BOT_USERNAME and
// TWITCH_OAUTH_TOKEN are set.
package chat
