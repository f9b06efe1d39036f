// Package chatbot implements a Discord bot that relays slash-command chat
// requests to OpenAI's Chat Completions API.
//
// The command surface is derived from a JSON bot configuration document
// at startup (see [BuildCommands]), so disabled features never count
// against Discord's command quota. Each incoming request passes through an
// ordered admission [Gate] (feature flag, consent, cooldown, system
// instruction, input length, moderation) before the completion call is
// made and the answer is rendered as an embed, or as a text attachment
// when it is too long for one.
//
// Key components:
//
//   - Bot: wires configuration, storage, Discord and OpenAI together.
//   - Discord: session management and command registration.
//   - OpenAI: completion and moderation calls, with request logging.
//   - Gate: request admission.
//   - CooldownStore / ConsentStore: per-user state.
//   - API: a small authenticated admin API.
//
// Supported commands:
//
//   - /chat single: a single response, optionally with regenerate/delete buttons.
//   - /chat thread: a response that opens a thread for follow-up messages.
//   - /view_system_instruction: shows a configured system instruction.
//   - /terms: shows the terms of use and records the user's agreement.
package chatbot
