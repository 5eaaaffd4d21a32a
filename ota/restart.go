package ota

import "log/slog"

// Rebooter is the ROM reboot surface.
type Rebooter interface {
	// RebootToPartition starts a flash-update boot of the partition. It
	// returns only on failure.
	RebootToPartition(partition int) error
	// Reboot performs a plain watchdog reset.
	Reboot()
}

// Restart returns the restart used after a finished session: a flash-update
// reboot into target when verified reports a verified image, a plain reset
// otherwise or when the update reboot fails.
func Restart(r Rebooter, target int, verified func() bool, logger *slog.Logger) func() {
	return func() {
		if verified != nil && verified() {
			logger.Info("ota:rebooting",
				slog.Int("partition", target),
				slog.Int("xip_addr", int(PartitionXIPAddr(target))),
			)
			err := r.RebootToPartition(target)
			logger.Error("ota:reboot-failed", slog.String("err", errString(err)))
		}
		logger.Warn("ota:reset")
		r.Reboot()
	}
}

func errString(err error) string {
	if err == nil {
		return "returned"
	}
	return err.Error()
}
