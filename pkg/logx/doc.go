// Package logx wraps zerolog with a value-type Logger and a Service whose
// outputs can be swapped at runtime: a readable console, a JSON file, and an
// operator sink that posts warnings into a chat conversation at a limited
// rate.
package logx
