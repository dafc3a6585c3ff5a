// Package commands defines the supersock CLI.
//
// Commands
//
//   - serve     Accept sessions and chat with, or echo back to, each peer
//   - connect   Dial a server and chat, or send a single message
//   - genkey    Create a static server key for --private-key-file
//   - version   Print the program and wire protocol versions
//
// Settings come from a YAML file (--config, default ~/.supersock/config.yaml)
// and are overridden by any flag given on the command line.
package commands
