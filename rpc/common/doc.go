// Package common provides the data structures shared by both sides of the
// transport: the wire header codec, the configuration of the receive and send
// services and the logger setup.
//
// Key Components:
//
//   - Header: The fixed 11 byte frame header (type, flag, length, mark) that
//     precedes every message on the wire and inside every queue slot. Validate
//     enforces the mark, the type range and the buffer capacity in that order.
//
//   - System messages: Keepalive request/reply and the link info report are
//     transport control frames carrying FlagSystem. Application payloads carry
//     FlagApplication and are never interpreted by the transport.
//
//   - ServerConfig / ClientConfig: Plain configuration structs with defaults,
//     validation and a sectioned String() for startup logging.
//
//   - Logger: A custom dragonboat logger factory producing
//     "LEVEL | name | message" lines.
package common
