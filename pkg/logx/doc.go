// Package logx is campaigner's structured logger.
//
// A logx.Logger wraps zerolog and carries its fixed fields as closures, so a
// logger derived from a Service keeps working after Service.Apply swaps the
// sinks. Console output is short and human readable; the optional file sink
// writes JSON lines and is rotated by size.
//
// Components take a logx.Logger, tag it with a "comp" field and never import
// zerolog themselves. Recipient addresses go through Addr so full phone
// numbers stay out of log files.
package logx
