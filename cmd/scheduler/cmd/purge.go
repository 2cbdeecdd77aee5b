package cmd

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/G-Research/batchflow/internal/messages"
	"github.com/G-Research/batchflow/internal/scheduler"
)

func purgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "purge",
		Short:  "purges everything derived from a source file",
		PreRun: useCommandLineFormatter,
		RunE:   purge,
	}
	cmd.Flags().Int64("sourceFile", 0, "Id of the source file to purge")
	cmd.Flags().Int64("trigger", 0, "Id of the trigger event the purge is recorded against")
	cmd.Flags().Bool("stop", false, "Stop the purge recorded against the trigger instead of starting one")
	return cmd
}

func purge(cmd *cobra.Command, _ []string) error {
	sourceFileID, err := cmd.Flags().GetInt64("sourceFile")
	if err != nil {
		return errors.WithStack(err)
	}
	triggerID, err := cmd.Flags().GetInt64("trigger")
	if err != nil {
		return errors.WithStack(err)
	}
	stop, err := cmd.Flags().GetBool("stop")
	if err != nil {
		return errors.WithStack(err)
	}
	if triggerID == 0 {
		return errors.New("a trigger is required")
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	st, _, err := scheduler.OpenStore(ctx, config.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if stop {
		if err := messages.StopPurge(ctx, st, triggerID); err != nil {
			return err
		}
		log.Infof("stopped purge for trigger %d", triggerID)
		return nil
	}

	if sourceFileID == 0 {
		return errors.New("a source file is required")
	}
	msgs, err := messages.StartPurge(ctx, st, sourceFileID, triggerID, clock.RealClock{}.Now())
	if err != nil {
		return err
	}
	sender, _, err := newSender(config)
	if err != nil {
		return err
	}
	defer sender.Close()
	if err := sender.SendMessages(ctx, msgs); err != nil {
		return err
	}
	log.Infof("started purge of source file %d for trigger %d, sent %d message(s)", sourceFileID, triggerID, len(msgs))
	return nil
}
