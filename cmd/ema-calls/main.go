// Command ema-calls answers phone calls with a voice agent, or talks to one
// through the local microphone and speaker.
//
// Usage:
//
//	ema-calls serve   - telephony server for Twilio and Vonage media streams
//	ema-calls local   - conversation on this machine with a live transcript
package main

import (
	"fmt"
	"os"

	"github.com/koscakluka/ema-calls/cmd/ema-calls/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
