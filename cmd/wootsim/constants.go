package main

// HID keyboard usage IDs for the default polled keys (W, A, S, D).
const (
	hidKeyA = 0x04
	hidKeyD = 0x07
	hidKeyS = 0x16
	hidKeyW = 0x1A
)

var defaultScanCodes = []uint16{hidKeyW, hidKeyA, hidKeyS, hidKeyD}

const (
	defaultSocketPath = "/tmp/wootsim.sock"
	defaultListenAddr = "127.0.0.1:3002"
	defaultCoalesceMS = 50 // key_value broadcast window per key (ms)

	// Queue sizes between the poll loop and the WebSocket broadcaster
	broadcastQueueSize = 256
)
