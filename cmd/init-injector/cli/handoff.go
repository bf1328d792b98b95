package cli

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/zqzqsb/zygote-inject/handoff"
	"github.com/zqzqsb/zygote-inject/internal/assets"
)

func (a *app) handoffCommand() *cobra.Command {
	return &cobra.Command{
		Use:    handoff.Subcommand + " <zygote-pid>",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePid(args[0])
			if err != nil {
				return err
			}
			agent, err := assets.DeviceAgent()
			if err != nil {
				return err
			}
			seq := handoff.NewSequence(agent, a.cfg.AgentPath, a.cfg.AgentMode, a.log.Named("handoff"))
			return seq.Run(pid)
		},
	}
}

// parsePid 解析十进制 pid
func parsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid pid %q", s)
	}
	if pid <= 0 {
		return 0, errors.Errorf("invalid pid %d", pid)
	}
	return pid, nil
}
