// Package chat contains the Twitch chat recorder and the live-session
// orchestrator.
//
// The Recorder joins the configured channels over IRC and persists every
// message into the chat_messages table, stamped with both the absolute server
// time and seconds relative to the session start. Messages belong to a live
// recording session: a videos row with source='live' opened when a channel
// goes live and closed (duration stamped) when it goes offline.
//
// StartAutoSessions drives that lifecycle from Helix stream polling. Without
// Helix credentials, sessions can be opened manually (OpenSession) so the
// recorder captures everything from startup.
//
// Credentials: the IRC client requires a bot username and a user OAuth token
// with chat:read scope. App tokens do not work for IRC.
package chat
