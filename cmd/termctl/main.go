// termctl sends a single command to a payment terminal and prints the
// final response; with -v it first prints the full session log. Useful for bench testing a
// terminal (or the emulator) without the agent in the middle.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/poslink/terminal-agent/internal/config"
	"github.com/poslink/terminal-agent/internal/protocol"
)

func main() {
	godotenv.Load()
	cfg := config.Get()

	var (
		ip      = flag.String("ip", cfg.Terminal.IP, "terminal IP")
		port    = flag.Int("port", cfg.Terminal.Port, "terminal port")
		ecrID   = flag.String("ecr", cfg.Terminal.EcrID, "ECR id echoed in the envelope")
		command = flag.String("cmd", "Ping", "command to send (Ping, Sale, EOD, ...)")
		amount  = flag.String("amount", "", "baseAmount for Sale-family commands")
		tranNo  = flag.String("tran", "", "tranNo for Void/TipAdjust/StatusInquiry")
		timeout = flag.Duration("timeout", 30*time.Second, "overall read timeout")
		verbose = flag.Bool("v", false, "print the full session log")
	)
	flag.Parse()

	var payload *protocol.CommandPayload
	tran := map[string]interface{}{}
	if *amount != "" {
		tran["baseAmount"] = *amount
		tran["totalAmount"] = *amount
	}
	if *tranNo != "" {
		tran["tranNo"] = *tranNo
	}
	if len(tran) > 0 {
		payload = &protocol.CommandPayload{Transaction: tran}
	}

	env := protocol.NewCommand(*command, *ecrID, protocol.NewRequestID(), payload)
	res := protocol.SendCommand(context.Background(), *ip, *port, env, protocol.Timeouts{
		Connect: 5 * time.Second,
		Overall: *timeout,
		Idle:    25 * time.Second,
	})

	if *verbose {
		for _, e := range res.Log {
			line := e.Detail
			if line == "" {
				line = e.Hex
			}
			fmt.Printf("%s  %-14s %s\n", e.At.Format("15:04:05.000"), e.Type, line)
		}
	}

	if !res.OK {
		fmt.Fprintf(os.Stderr, "session failed: %s\n", res.Error)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(res.Rsp, "", "  ")
	fmt.Println(string(out))
}
