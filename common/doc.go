// Package common holds process-wide helpers shared by the commands: logger
// construction and build metadata.
package common
