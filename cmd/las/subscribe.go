package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	las "github.com/Ajirohack/LAS-sub000"
	"github.com/spf13/cobra"
)

var (
	subscribeTransport string
	subscribeChannels  []string
)

func init() {
	rootCmd.AddCommand(subscribeCmd)
	subscribeCmd.Flags().StringVar(&subscribeTransport, "transport", "", "delivery transport: sse or ws (default from config)")
	subscribeCmd.Flags().StringSliceVar(&subscribeChannels, "channels", nil, "channels to subscribe to (websocket only)")
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Follow the backend broadcast stream",
	Long:  "Open the persistent stream and print agent activity as it happens.\nThe connection reconnects with backoff after drops; Ctrl-C disconnects.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []las.ClientOption
		switch subscribeTransport {
		case "":
		case "sse":
			opts = append(opts, las.WithTransportMode(las.TransportSSE))
		case "ws":
			opts = append(opts, las.WithTransportMode(las.TransportWS))
		default:
			return fmt.Errorf("transport must be sse or ws, got %q", subscribeTransport)
		}
		client := getClient(opts...)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		d := client.Dispatcher()
		d.OnToken(func(s string) { fmt.Print(s) })
		d.OnThought(func(s string) { fmt.Fprintf(os.Stderr, "(thinking) %s\n", s) })
		d.OnTool(func(tc las.ToolCall) { fmt.Fprintf(os.Stderr, "[tool] %s(%s)\n", tc.Name, tc.Arguments) })
		d.OnComplete(func(las.StreamEvent) { fmt.Println() })
		d.OnError(func(msg string) { fmt.Fprintf(os.Stderr, "error: %s\n", msg) })

		rt := client.Realtime()
		rt.OnStateChange(func(s las.ConnectionState) {
			fmt.Fprintf(os.Stderr, "connection: %s\n", s)
			if s == las.StateFailed {
				stop()
			}
		})

		if err := rt.Connect(ctx); err != nil {
			// The manager keeps retrying with backoff unless it has already
			// given up, which the state handler turns into an exit.
			fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		}
		if len(subscribeChannels) > 0 && rt.State() == las.StateOpen {
			if err := rt.Subscribe(ctx, subscribeChannels...); err != nil {
				fmt.Fprintf(os.Stderr, "subscribe: %v\n", err)
			}
		}

		<-ctx.Done()
		failed := rt.State() == las.StateFailed
		rt.Disconnect()
		if failed {
			return las.ErrBackendUnavailable
		}
		return nil
	},
}
