package seat

import (
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/lumidm/lumidm/internal/childproc"
)

// RunScript runs a configured hook command and waits for it. Hooks run
// with the daemon's privileges; a non-zero exit is an error the caller
// turns into a fallback or abort.
func RunScript(command string, logger *slog.Logger) error {
	args, err := childproc.SplitCommand(command)
	if err != nil {
		return fmt.Errorf("script %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil
	}
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("script %q: %w: %s", command, err, out)
	}
	if logger != nil {
		logger.Debug("ran script", "script", command)
	}
	return nil
}
