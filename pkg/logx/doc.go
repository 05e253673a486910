// Package logx provides a small structured logging facade over zerolog
// with hot-swappable sinks (console, file).
package logx
