package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	storiesPage  int
	storiesLimit int
)

func init() {
	storiesCmd.Flags().IntVar(&storiesPage, "page", 1, "page number")
	storiesCmd.Flags().IntVar(&storiesLimit, "limit", 20, "stories per page")
	rootCmd.AddCommand(storiesCmd)
	rootCmd.AddCommand(storyCmd)
	rootCmd.AddCommand(rateCmd)
	rootCmd.AddCommand(likeCmd)
	rootCmd.AddCommand(ratingsCmd)
}

var storiesCmd = &cobra.Command{
	Use:   "stories",
	Short: "List stories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		stories, err := client.Stories.List(context.Background(), storiesPage, storiesLimit)
		if err != nil {
			return err
		}
		if len(stories) == 0 {
			fmt.Println("No stories.")
			return nil
		}
		for _, s := range stories {
			fmt.Printf("%-24s  %s  (%d likes)\n", s.ID, s.Title, s.LikesCount)
		}
		return nil
	},
}

var storyCmd = &cobra.Command{
	Use:   "story <slug>",
	Short: "Show one story",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		ctx := context.Background()
		story, err := client.Stories.Get(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s\n\n%s\n", story.Title, story.Content)
		fmt.Printf("\nlikes: %d", story.LikesCount)
		if story.LikedByUser {
			fmt.Print(" (including yours)")
		}
		fmt.Println()

		views, err := client.Views.RecordView(ctx, story.ID)
		if err == nil {
			fmt.Printf("views: %d (you: %d)\n", views.TotalViews, views.UserViewCount)
		}
		return nil
	},
}

var rateCmd = &cobra.Command{
	Use:   "rate <story-id> <score>",
	Short: "Rate a story 1-5",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("score must be a number: %w", err)
		}
		client := getAuthedClient()
		saved, err := client.Stories.Rate(context.Background(), args[0], score)
		if err != nil {
			return err
		}
		fmt.Printf("Rated %.0f stars.\n", saved)
		return nil
	},
}

var likeCmd = &cobra.Command{
	Use:   "like <story-id>",
	Short: "Toggle a story like",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		res, err := client.Stories.Like(context.Background(), args[0])
		if err != nil {
			return err
		}
		if res.LikedByUser {
			fmt.Printf("Liked. %d likes total.\n", res.LikesCount)
		} else {
			fmt.Printf("Like removed. %d likes total.\n", res.LikesCount)
		}
		return nil
	},
}

var ratingsCmd = &cobra.Command{
	Use:   "ratings",
	Short: "Show your rating distribution",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		if _, err := client.Stories.List(context.Background(), 1, 100); err != nil {
			return err
		}
		for _, bucket := range client.Stories.RatingDistribution(true) {
			fmt.Printf("%d stars: %d\n", bucket.Star, bucket.Count)
		}
		return nil
	},
}
