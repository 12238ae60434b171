// Command samctl is a thin client for samwised's wire protocol (spec §6):
// it encodes one request frame list per invocation, round-trips it over
// TCP, and prints the decoded (rc, message) response. It replaces
// original_source/samwise/client/c/src/samcli.c's interactive REPL with a
// set of one-shot subcommands, the way most Go daemon/CLI pairs in the
// retrieved pack split "the thing that runs" from "the thing you poke it
// with" (cmd/samwised is the daemon half).
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dreadworks/samwise/internal/bbw"
	"github.com/dreadworks/samwise/internal/buf"
	"github.com/dreadworks/samwise/internal/protocol"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	var (
		addr    string
		timeout time.Duration
	)

	root := &cobra.Command{
		Use:   "samctl",
		Short: "samwise operational client",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "localhost:7040", "samwised endpoint")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "round-trip timeout")

	root.AddCommand(
		newPingCmd(&addr, &timeout),
		newPublishCmd(&addr, &timeout),
		newRPCCmd(&addr, &timeout),
		newSelftestCmd(&addr, &timeout),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newPingCmd(addr *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "check that a samwised endpoint is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*addr, *timeout)
			resp, err := c.roundTrip(protocol.EncodePingRequest())
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

func newPublishCmd(addr *string, timeout *time.Duration) *cobra.Command {
	var (
		distribution string
		n            int32
		exchange     string
		routingKey   string
		mandatory    bool
		immediate    bool
		contentType  string
		payload      string
		headers      []string
		messageID    string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "publish one message through samwised's distribution policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := parsePolicy(distribution, n)
			if err != nil {
				return err
			}

			hdrs, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			if messageID == "" {
				messageID = uuid.NewString()
			}

			opts := bbw.PublishOptions{
				Exchange:      exchange,
				RoutingKey:    routingKey,
				Mandatory:     mandatory,
				Immediate:     immediate,
				ContentType:   contentType,
				MessageID:     messageID,
				CorrelationID: uuid.NewString(),
				Headers:       hdrs,
				Payload:       []byte(payload),
			}

			c := newClient(*addr, *timeout)
			resp, err := c.roundTrip(protocol.EncodePublishRequest(policy, opts))
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}

	cmd.Flags().StringVar(&distribution, "distribution", "round-robin", "round-robin | redundant")
	cmd.Flags().Int32Var(&n, "n", 1, "required backend count when --distribution=redundant")
	cmd.Flags().StringVar(&exchange, "exchange", "", "destination exchange")
	cmd.Flags().StringVar(&routingKey, "routing-key", "", "routing key")
	cmd.Flags().BoolVar(&mandatory, "mandatory", false, "AMQP mandatory flag")
	cmd.Flags().BoolVar(&immediate, "immediate", false, "AMQP immediate flag")
	cmd.Flags().StringVar(&contentType, "content-type", "", "AMQP content-type property")
	cmd.Flags().StringVar(&payload, "payload", "", "message body")
	cmd.Flags().StringVar(&messageID, "message-id", "", "AMQP message-id property (generated if empty)")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "key=value, repeatable")

	return cmd
}

func newRPCCmd(addr *string, timeout *time.Duration) *cobra.Command {
	rpc := &cobra.Command{
		Use:   "rpc",
		Short: "exchange.declare / exchange.delete RPC fan-out",
	}

	var broker string

	declare := &cobra.Command{
		Use:   "exchange-declare <exchange> <type>",
		Args:  cobra.ExactArgs(2),
		Short: "declare an exchange on one broker (or any connected one)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*addr, *timeout)
			resp, err := c.roundTrip(protocol.EncodeDeclareRequest(broker, args[0], args[1]))
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
	declare.Flags().StringVar(&broker, "broker", "", "broker name (empty = any connected broker)")

	deleteCmd := &cobra.Command{
		Use:   "exchange-delete <exchange>",
		Args:  cobra.ExactArgs(1),
		Short: "delete an exchange on one broker (or any connected one)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*addr, *timeout)
			resp, err := c.roundTrip(protocol.EncodeDeleteRequest(broker, args[0]))
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
	deleteCmd.Flags().StringVar(&broker, "broker", "", "broker name (empty = any connected broker)")

	rpc.AddCommand(declare, deleteCmd)
	return rpc
}

// newSelftestCmd implements the self-test harness original_source's
// sam_selftest.h/.c describes, re-expressed against the client wire
// protocol: ping the daemon, then round-robin-publish one throwaway
// message and confirm the gateway durably accepted it. It cannot observe
// the eventual broker ack (the wire protocol has no subscribe action,
// spec §6), so it verifies the half of the pipeline samctl can actually
// see: accept, not delivery.
func newSelftestCmd(addr *string, timeout *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "round-trip a throwaway message through the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*addr, *timeout)

			pingResp, err := c.roundTrip(protocol.EncodePingRequest())
			if err != nil {
				return fmt.Errorf("selftest: ping: %w", err)
			}
			if pingResp.RC != 0 {
				return fmt.Errorf("selftest: ping failed: %s", pingResp.Message)
			}

			opts := bbw.PublishOptions{
				Exchange:      "",
				RoutingKey:    "samctl.selftest",
				ContentType:   "text/plain",
				MessageID:     uuid.NewString(),
				CorrelationID: uuid.NewString(),
				Payload:       []byte("samctl selftest " + time.Now().Format(time.RFC3339)),
			}
			pubResp, err := c.roundTrip(protocol.EncodePublishRequest(buf.RoundRobinPolicy(), opts))
			if err != nil {
				return fmt.Errorf("selftest: publish: %w", err)
			}
			if pubResp.RC != 0 {
				return fmt.Errorf("selftest: publish rejected: %s", pubResp.Message)
			}

			fmt.Printf("selftest ok: ping=%q publish=%q\n", pingResp.Message, pubResp.Message)
			return nil
		},
	}
}

func parsePolicy(distribution string, n int32) (buf.Policy, error) {
	switch distribution {
	case "round-robin", "round robin":
		return buf.RoundRobinPolicy(), nil
	case "redundant":
		return buf.RedundantPolicy(n)
	default:
		return buf.Policy{}, fmt.Errorf("samctl: unknown --distribution %q", distribution)
	}
}

func parseHeaders(raw []string) ([]bbw.Header, error) {
	out := make([]bbw.Header, 0, len(raw))
	for _, h := range raw {
		kv := strings.SplitN(h, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("samctl: --header %q must be key=value", h)
		}
		out = append(out, bbw.Header{Key: kv[0], Value: kv[1]})
	}
	return out, nil
}

func printResponse(resp protocol.Response) error {
	fmt.Printf("rc=%d message=%s\n", resp.RC, resp.Message)
	if resp.RC != 0 {
		os.Exit(1)
	}
	return nil
}
