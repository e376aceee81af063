// Package pipeline holds the parts of the event pipeline around the miner:
// event sources, the department filter, throughput metering and rendering of
// mined nets.
package pipeline
