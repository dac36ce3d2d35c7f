//go:build !linux || !(amd64 || arm64)

package crashrun

func supervise(params LaunchParams) (*Termination, error) {
	return runPlain(params)
}
