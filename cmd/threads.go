package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "Manage chat threads and their arbiter overrides",
}

var threadsShowCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Show the thread for a chat id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		chatID, err := parseChatID(args[0])
		if err != nil {
			return err
		}

		thread, err := st.GetOrCreateThread(ctx, chatID)
		if err != nil {
			return eris.Wrap(err, "threads show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(thread)
	},
}

var (
	threadArbiterProvider string
	threadArbiterModel    string
)

var threadsSetArbiterCmd = &cobra.Command{
	Use:   "set-arbiter <chat-id>",
	Short: "Set or clear the chat-scoped arbiter override",
	Long:  "With --provider, pins the arbiter for this chat. Without flags, clears the override so the process default applies again.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		chatID, err := parseChatID(args[0])
		if err != nil {
			return err
		}

		thread, err := st.GetOrCreateThread(ctx, chatID)
		if err != nil {
			return eris.Wrap(err, "threads set-arbiter")
		}

		var provider, modelName *string
		if threadArbiterProvider != "" {
			provider = &threadArbiterProvider
			if threadArbiterModel != "" {
				modelName = &threadArbiterModel
			}
		}

		if err := st.SetThreadArbiter(ctx, thread.ID, provider, modelName); err != nil {
			return eris.Wrap(err, "threads set-arbiter")
		}

		if provider == nil {
			fmt.Fprintln(os.Stdout, "Arbiter override cleared.")
		} else {
			fmt.Fprintf(os.Stdout, "Arbiter override set to %s/%s.\n", threadArbiterProvider, threadArbiterModel)
		}
		return nil
	},
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, eris.Errorf("invalid chat id %q", s)
	}
	return id, nil
}

func init() {
	threadsSetArbiterCmd.Flags().StringVar(&threadArbiterProvider, "provider", "", "arbiter provider (openai, anthropic, gemini)")
	threadsSetArbiterCmd.Flags().StringVar(&threadArbiterModel, "model", "", "arbiter model")

	threadsCmd.AddCommand(threadsShowCmd)
	threadsCmd.AddCommand(threadsSetArbiterCmd)
	rootCmd.AddCommand(threadsCmd)
}
