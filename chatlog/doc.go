// Package chatlog classifies lines of a Chatterino-style Twitch chat log export.
//
// A log file starts with a header line carrying the stream date
// ("... at 2023-05-01 19:00:00 ..."), followed by event lines that each begin
// with a "[HH:MM:SS]" bracket. Every event line is matched against an ordered
// Registry of rules; the first matching rule wins and determines the event
// type, the primary username and the message text of the resulting ChatEvent.
//
// Everything in this package is pure: no I/O, no global state. Counting and
// persistence are left to the caller (see package ingest).
package chatlog
