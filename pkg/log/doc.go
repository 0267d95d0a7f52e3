// Package log provides structured logging for Gantry built on zerolog.
//
// A single global logger is initialized at startup; components derive
// child loggers carrying component, node and run identifiers.
package log
