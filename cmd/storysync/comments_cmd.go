package main

import (
	"context"
	"fmt"
	"strings"

	storysync "github.com/lisolo/storysync"
	"github.com/spf13/cobra"
)

var commentParentID string

func init() {
	commentPostCmd.Flags().StringVar(&commentParentID, "reply-to", "", "parent comment id")
	rootCmd.AddCommand(commentsCmd)
	commentsCmd.AddCommand(commentPostCmd)
	commentsCmd.AddCommand(commentEditCmd)
	commentsCmd.AddCommand(commentDeleteCmd)
	commentsCmd.AddCommand(commentLikeCmd)
	commentsCmd.AddCommand(commentDislikeCmd)
}

func printTree(nodes []*storysync.Node, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, n := range nodes {
		text, _ := n.Payload["text"].(string)
		username, _ := n.Payload["username"].(string)
		fmt.Printf("%s[%s] %s: %s\n", indent, n.ID, username, text)
		printTree(n.Children, depth+1)
	}
}

var commentsCmd = &cobra.Command{
	Use:   "comments <story-id>",
	Short: "Show a story's comment thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		storyID := args[0]
		if err := client.Comments.Load(context.Background(), storyID); err != nil {
			return err
		}
		fmt.Printf("%d comments\n", client.Comments.Count(storyID))
		printTree(client.Comments.Tree(storyID), 0)
		return nil
	},
}

var commentPostCmd = &cobra.Command{
	Use:   "post <story-id> <text>",
	Short: "Post a comment or reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		id, err := client.Comments.Post(context.Background(), args[0], args[1], commentParentID)
		if err != nil {
			return err
		}
		fmt.Printf("Posted comment %s\n", id)
		return nil
	},
}

var commentEditCmd = &cobra.Command{
	Use:   "edit <story-id> <comment-id> <text>",
	Short: "Edit your comment",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		if err := client.Comments.Edit(context.Background(), args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Println("Edited.")
		return nil
	},
}

var commentDeleteCmd = &cobra.Command{
	Use:   "delete <story-id> <comment-id>",
	Short: "Delete your comment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		if err := client.Comments.Remove(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Deleted.")
		return nil
	},
}

var commentLikeCmd = &cobra.Command{
	Use:   "like <story-id> <comment-id>",
	Short: "Like a comment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		if err := client.Comments.Like(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Liked.")
		return nil
	},
}

var commentDislikeCmd = &cobra.Command{
	Use:   "dislike <story-id> <comment-id>",
	Short: "Dislike a comment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		if err := client.Comments.Dislike(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Disliked.")
		return nil
	},
}
