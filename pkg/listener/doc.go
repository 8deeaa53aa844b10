// See listener.go for the LISTEN/NOTIFY consumption loop.
package listener
