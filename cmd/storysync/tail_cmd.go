package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	storysync "github.com/lisolo/storysync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail <story-id>",
	Short: "Follow a story's comment thread live",
	Long:  "Join the story's realtime room and reprint the comment thread as events arrive. Interrupt to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		storyID := args[0]
		ctx := context.Background()

		channel := client.Realtime()
		channel.OnStateChange(func(state storysync.ChannelState) {
			fmt.Fprintf(os.Stderr, "connection: %s\n", state)
		})
		client.Comments.BindRealtime(channel)
		client.Views.BindRealtime(channel)

		if err := channel.Connect(ctx); err != nil {
			return err
		}
		defer channel.Disconnect()

		stop, err := client.Comments.Watch(ctx, channel, storyID)
		if err != nil {
			return err
		}
		defer stop()

		redraw := func() {
			fmt.Printf("\n--- %d comments ---\n", client.Comments.Count(storyID))
			printTree(client.Comments.Tree(storyID), 0)
		}
		redraw()
		for _, ev := range []string{"comment:new", "comment:edit", "comment:delete", "comment:count"} {
			channel.On(ev, func(room string, payload json.RawMessage) {
				redraw()
			})
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nStopping.")
		return nil
	},
}
