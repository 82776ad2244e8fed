// Package naibot implements a Discord bot that generates images with the
// NovelAI API.
//
// Requests arrive as slash commands and become jobs in a single FIFO
// queue, consumed by one worker so calls to NovelAI are serialized. Each
// user may have a limited number of jobs waiting at once (two by
// default), and users listed in [QueueConfig.ExemptSubmitters] are not
// limited. A job's progress is reported back to the user by editing the
// command's response: its position while queued, a notice when generation
// starts or is retried, and finally the image or the reason it failed.
//
// Key components of the package include:
//
//   - NAIBot: Wires everything together and manages startup and shutdown.
//   - Dispatcher: Admission, the job queue and its worker.
//   - NovelAI: The image generation API client.
//   - Discord: The gateway session and slash commands.
//   - Store: Bot state, generation statistics and user presets.
//   - API: The admin HTTP API.
//
// The bot supports these commands:
//
//   - /nai: Generate an image from a prompt.
//   - /director: Transform an attached image with NovelAI's director tools.
//   - /preset: Save, list or delete generation presets.
//   - /leaderboard: Show who has generated the most images.
package naibot
