// Package developerjoe implements a Discord bot that relays user messages
// to OpenAI's chat API, tracking any number of concurrently open, named
// conversations per user.
//
// Key components of the package include:
//
//   - DeveloperJoe: The top-level struct that owns every other component.
//     There is no global state; the registry, permission engine and stores
//     are constructed once and passed by reference.
//   - ChatSession: One named conversation - its history, token ledger and
//     lifecycle (start/ask/stream/clear/stop).
//   - SessionRegistry: The per-user collection of named ChatSession values,
//     including default-session tracking and deterministic auto-naming.
//   - ModelLocks: The per-guild model permission engine, evaluating role
//     hierarchy against lock lists.
//   - OpenAI: The model adapter over the OpenAI API, with one-shot and
//     streaming asks and per-model token accounting.
//   - HistoryStore / GuildStore: Persistence for closed transcripts, model
//     lock tables and guild configuration.
//
// The bot supports the slash commands /start, /ask, /stream, /stop,
// /clear, /switch, /export, /models, and the admin commands /lock and
// /unlock. A small gin-based API exposes transcripts and lock tables for
// administration.
package developerjoe
