// Package logx is fleetsched's structured logger, a thin layer over zerolog.
//
// Console output is human readable with a short caller; the optional file
// sink writes JSON lines. Service.Apply swaps level and sinks on config
// reload without invalidating Loggers already handed out. Executors get a
// task-scoped Logger through FromContext.
package logx
