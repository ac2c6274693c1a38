package main

import "github.com/cuemby/hoststack/pkg/log"

func initLogging() {
	level := log.InfoLevel
	switch flagLogLevel {
	case "debug":
		level = log.DebugLevel
	case "warn":
		level = log.WarnLevel
	case "error":
		level = log.ErrorLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: flagLogJSON})
}
