package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	las "github.com/Ajirohack/LAS-sub000"
	"github.com/spf13/cobra"
)

var (
	chatModel    string
	chatProvider string
	chatThoughts bool
	chatTimeout  time.Duration
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model to use, overrides the configured default")
	chatCmd.Flags().StringVar(&chatProvider, "provider", "", "provider to use, overrides the configured default")
	chatCmd.Flags().BoolVar(&chatThoughts, "thoughts", false, "print agent reasoning to stderr")
	chatCmd.Flags().DurationVar(&chatTimeout, "timeout", 2*time.Minute, "abort the response after this long")
}

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message and stream the response",
	Long:  "Send a single chat message to the agent backend and print the streamed response.\nCtrl-C aborts the response without killing the process mid-write.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []las.ClientOption
		if chatModel != "" {
			opts = append(opts, las.WithModel(chatModel))
		}
		if chatProvider != "" {
			opts = append(opts, las.WithProvider(chatProvider))
		}
		client := getClient(opts...)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, chatTimeout)
		defer cancel()

		d := client.Dispatcher()
		d.OnToken(func(s string) { fmt.Print(s) })
		d.OnThought(func(s string) {
			if chatThoughts {
				fmt.Fprintf(os.Stderr, "(thinking) %s\n", s)
			}
		})
		d.OnTool(func(tc las.ToolCall) {
			fmt.Fprintf(os.Stderr, "[tool] %s(%s)\n", tc.Name, tc.Arguments)
			if tc.Result != "" {
				fmt.Fprintf(os.Stderr, "[tool] -> %s\n", tc.Result)
			}
		})
		var usage *las.Usage
		d.OnComplete(func(ev las.StreamEvent) { usage = ev.Usage })

		sess, err := client.SendText(ctx, strings.Join(args, " "))
		if err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}

		status := sess.Wait()
		fmt.Println()

		switch status {
		case las.SessionAborted:
			fmt.Fprintln(os.Stderr, "(aborted)")
		case las.SessionErrored:
			return fmt.Errorf("stream failed: %s", d.LastError())
		default:
			if msg := d.LastError(); msg != "" {
				fmt.Fprintf(os.Stderr, "backend error: %s\n", msg)
			}
		}
		if verbose && usage != nil {
			fmt.Fprintf(os.Stderr, "tokens: prompt=%d completion=%d total=%d\n",
				usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens)
		}
		return nil
	},
}
