package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	storysync "github.com/lisolo/storysync"
	"github.com/spf13/cobra"
)

var quizCategory string

func init() {
	quizPlayCmd.Flags().StringVar(&quizCategory, "category", "", "restrict questions to one category")
	rootCmd.AddCommand(quizCmd)
	quizCmd.AddCommand(quizPlayCmd)
	quizCmd.AddCommand(quizCategoriesCmd)
	quizCmd.AddCommand(quizScoresCmd)
	quizCmd.AddCommand(quizBestCmd)
	quizCmd.AddCommand(quizResetCmd)
}

var quizCmd = &cobra.Command{
	Use:   "quiz",
	Short: "Play the quiz and manage scores",
}

var quizPlayCmd = &cobra.Command{
	Use:   "play",
	Short: "Play a quiz round",
	Long:  "Fetch random questions until the pool runs out or you quit with 'q'. The round's score is saved when it ends.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		ctx := context.Background()
		reader := bufio.NewReader(os.Stdin)
		quiz := client.Quiz
		quiz.ResetQuiz()

		for {
			question, err := quiz.Random(ctx, quizCategory)
			if errors.Is(err, storysync.ErrNoMoreQuestions) {
				fmt.Println("No more questions.")
				break
			}
			if err != nil {
				return err
			}

			fmt.Printf("\n%s\n", question.Question)
			for i, choice := range question.Choices {
				fmt.Printf("  %d) %s\n", i+1, choice)
			}
			fmt.Print("> ")
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			answer := strings.TrimSpace(line)
			if answer == "q" {
				break
			}
			if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(question.Choices) {
				answer = question.Choices[n-1]
			}

			correct, expected, err := quiz.CheckAnswer(ctx, question.ID, answer)
			if err != nil {
				return err
			}
			if correct {
				fmt.Println("Correct!")
			} else if expected != "" {
				fmt.Printf("Wrong. The answer was: %s\n", expected)
			} else {
				fmt.Println("Wrong.")
			}
		}

		score, total, _ := quiz.Tally()
		if total == 0 {
			return nil
		}
		fmt.Printf("\nRound over: %d/%d\n", score, total)
		saved, err := quiz.SaveScore(ctx, score, total-score, total, quizCategory)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Score not saved: %v\n", err)
			return nil
		}
		fmt.Printf("Saved (%d%%).\n", saved.Percentage)
		return nil
	},
}

var quizCategoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List question categories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		categories, err := client.Quiz.Categories(context.Background())
		if err != nil {
			return err
		}
		for _, c := range categories {
			fmt.Println(c)
		}
		return nil
	},
}

var quizScoresCmd = &cobra.Command{
	Use:   "scores",
	Short: "Show recent rounds for this device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		scores, err := client.Quiz.Scores(context.Background(), 10)
		if err != nil {
			return err
		}
		if len(scores) == 0 {
			fmt.Println("No scores yet.")
			return nil
		}
		for _, s := range scores {
			fmt.Printf("%s  %d/%d (%d%%) %s\n", s.CreatedAt, s.CorrectCount, s.TotalQuestions, s.Percentage, s.Category)
		}
		return nil
	},
}

var quizBestCmd = &cobra.Command{
	Use:   "best",
	Short: "Show the best round for this device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		best, err := client.Quiz.BestScore(context.Background())
		if err != nil {
			return err
		}
		if best == nil {
			fmt.Println("No scores yet.")
			return nil
		}
		fmt.Printf("%d/%d (%d%%) %s\n", best.CorrectCount, best.TotalQuestions, best.Percentage, best.Category)
		return nil
	},
}

var quizResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all stored rounds for this device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		if err := client.Quiz.ResetScores(context.Background()); err != nil {
			return err
		}
		fmt.Println("Scores cleared.")
		return nil
	},
}
