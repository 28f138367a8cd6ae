// Package logx provides a thin structured logging layer over zerolog
// with runtime-reconfigurable sinks (console, file).
package logx
