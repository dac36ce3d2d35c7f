package crashrun

import (
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app     = kingpin.New("crashrun", "Run a program and print a backtrace if it aborts")
	version = "master"
)

var cli = struct {
	exec string
	args []string
}{}

func init() {
	// everything after the executable belongs to it, even "-c"
	app.Interspersed(false)
	app.Arg("exec", "The executable to run").Required().StringVar(&cli.exec)
	app.Arg("args", "Arguments to pass to the executable").StringsVar(&cli.args)
}

// Main is the command entrypoint. It does not return: the process exits with
// the target's exit code, with AbortExitCode, or with 1 if the target could
// not be launched.
func Main(args []string) {
	logger := NewLogger(os.Stderr)
	err := Run(args, logger)
	if err != nil {
		logger.Error("could not launch target",
			zap.String("exec", cli.exec),
			zap.Error(err),
		)
		_ = logger.Sync()
		os.Exit(1)
	}
}

// Run parses the command line, arms the abort handler and launches the
// target. It only returns on failure.
func Run(args []string, logger *zap.Logger) error {
	app.Version(version)
	app.VersionFlag.Short('V')
	_, err := app.Parse(args)
	if err != nil {
		ctx, _ := app.ParseContext(args)
		if ctx != nil {
			app.FatalUsageContext(ctx, "%s\n", err.Error())
		} else {
			app.FatalUsage("%s\n", err.Error())
		}
	}

	Arm(os.Stderr)

	// make sure target executable exists
	execPath, err := exec.LookPath(cli.exec)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = os.Stat(execPath)
	if err != nil {
		return errors.WithStack(err)
	}

	launchParams := LaunchParams{
		ExecPath: execPath,
		Args: append(
			[]string{execPath},
			cli.args...,
		),
		Stderr: os.Stderr,
		Logger: logger,
	}

	return Launch(launchParams)
}
