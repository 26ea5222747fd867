package pdiff

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	img "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

const (
	workDir    = "/work"
	beforeFile = "before.png"
	afterFile  = "after.png"
	diffFile   = "diff.png"

	DefaultImage = "dpokidov/imagemagick:latest"
)

// DefaultCommand is the ImageMagick compare invocation; the image paths and
// output path are appended.
var DefaultCommand = []string{"magick", "compare", "-metric", "AE", "-fuzz", "1%"}

// Result is the outcome of one comparison.
type Result struct {
	Different bool
	// Metric is the number of differing pixels as printed by compare.
	Metric    string
	DiffImage []byte
	Log       []byte
}

// Runner compares two screenshots by running ImageMagick inside a
// container with no network. Requires DOCKER_HOST to reach a daemon.
type Runner struct {
	cli     *client.Client
	image   string
	command []string
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Runner)

func WithImage(image string) Option {
	return func(r *Runner) {
		if image != "" {
			r.image = image
		}
	}
}

func WithCommand(cmd []string) Option {
	return func(r *Runner) {
		if len(cmd) > 0 {
			r.command = cmd
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.timeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

func NewRunner(opts ...Option) (*Runner, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create docker client")
	}
	r := &Runner{
		cli:     cli,
		image:   DefaultImage,
		command: DefaultCommand,
		timeout: 5 * time.Minute,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close releases the docker client.
func (r *Runner) Close() error {
	return r.cli.Close()
}

// CompareArgs returns the full compare command line.
func (r *Runner) CompareArgs() []string {
	args := append([]string{}, r.command...)
	return append(args,
		workDir+"/"+beforeFile,
		workDir+"/"+afterFile,
		workDir+"/"+diffFile,
	)
}

// Compare diffs before against after. compare exits 0 when the images match,
// 1 when they differ and anything else on failure.
func (r *Runner) Compare(ctx context.Context, before, after []byte) (*Result, error) {
	if _, err := r.cli.Ping(ctx); err != nil {
		return nil, goerr.Wrap(err, "cannot reach docker daemon")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.pullIfNeeded(ctx); err != nil {
		return nil, goerr.Wrap(err, "failed to pull diff image", goerr.V("image", r.image))
	}

	volName := "pdiff-" + uuid.NewString()
	if _, err := r.cli.VolumeCreate(ctx, volume.CreateOptions{Name: volName}); err != nil {
		return nil, goerr.Wrap(err, "failed to create volume")
	}
	defer func() {
		if err := r.cli.VolumeRemove(context.Background(), volName, true); err != nil {
			r.logger.Warn("failed to remove volume", "volume", volName, "error", err)
		}
	}()

	if err := r.copyToVolume(ctx, volName, map[string][]byte{
		beforeFile: before,
		afterFile:  after,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to copy screenshots")
	}

	stdout, stderr, exitCode, err := r.runWithLogs(ctx, volName, r.CompareArgs(), &container.Resources{
		Memory:   512 << 20,
		NanoCPUs: 1e9,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "compare run failed")
	}

	res := &Result{
		Metric: strings.TrimSpace(stderr),
		Log:    []byte(fmt.Sprintf("exit_code=%d\nstdout:\n%s\nstderr:\n%s\n", exitCode, stdout, stderr)),
	}
	switch exitCode {
	case 0:
		return res, nil
	case 1:
		res.Different = true
	default:
		return nil, goerr.New("compare failed",
			goerr.V("exit_code", exitCode), goerr.V("stderr", stderr))
	}

	if res.DiffImage, err = r.copyFromVolume(ctx, volName, diffFile); err != nil {
		return nil, goerr.Wrap(err, "failed to read diff image")
	}
	r.logger.Debug("compare finished", "different", res.Different, "metric", res.Metric)
	return res, nil
}

func (r *Runner) pullIfNeeded(ctx context.Context) error {
	if _, err := r.cli.ImageInspect(ctx, r.image); err == nil {
		return nil
	}
	reader, err := r.cli.ImagePull(ctx, r.image, img.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader) // eat the progress stream
	return nil
}

func (r *Runner) volumeMount(volName string) []mount.Mount {
	return []mount.Mount{{
		Type:   mount.TypeVolume,
		Source: volName,
		Target: workDir,
	}}
}

// runWithLogs creates a container with the work volume attached, runs cmd,
// collects logs and cleans up.
func (r *Runner) runWithLogs(ctx context.Context, volName string, cmd []string, res *container.Resources) (stdout, stderr string, exitCode int, err error) {
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode("none"),
		Mounts:      r.volumeMount(volName),
	}
	if res != nil {
		hostCfg.Resources = *res
	}

	create, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      r.image,
		Entrypoint: cmd[:1],
		Cmd:        cmd[1:],
		WorkingDir: workDir,
		Tty:        false,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return "", "", 0, fmt.Errorf("create: %w", err)
	}
	cid := create.ID
	defer r.removeContainer(cid)

	if err := r.cli.ContainerStart(ctx, cid, container.StartOptions{}); err != nil {
		return "", "", 0, fmt.Errorf("start: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, cid, container.WaitConditionNotRunning)
	select {
	case err = <-errCh:
		if err != nil {
			return "", "", 0, fmt.Errorf("wait: %w", err)
		}
	case st := <-statusCh:
		exitCode = int(st.StatusCode)
	}

	var outBuf, errBuf bytes.Buffer
	logs, err := r.cli.ContainerLogs(ctx, cid, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("logs: %w", err)
	}
	defer logs.Close()
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, logs); err != nil {
		return "", "", exitCode, fmt.Errorf("demux logs: %w", err)
	}
	return outBuf.String(), errBuf.String(), exitCode, nil
}

func (r *Runner) removeContainer(cid string) {
	timeout := 2
	_ = r.cli.ContainerStop(context.Background(), cid, container.StopOptions{Timeout: &timeout})
	_ = r.cli.ContainerRemove(context.Background(), cid, container.RemoveOptions{Force: true})
}

// withHelper runs fn against an idle container that has the work volume
// mounted, for the archive copy APIs.
func (r *Runner) withHelper(ctx context.Context, volName string, fn func(cid string) error) error {
	create, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      r.image,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{"60"},
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode("none"),
		Mounts:      r.volumeMount(volName),
	}, nil, nil, "")
	if err != nil {
		return fmt.Errorf("helper create: %w", err)
	}
	defer r.removeContainer(create.ID)

	if err := r.cli.ContainerStart(ctx, create.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("helper start: %w", err)
	}
	return fn(create.ID)
}

func (r *Runner) copyToVolume(ctx context.Context, volName string, files map[string][]byte) error {
	archive, err := tarFiles(files)
	if err != nil {
		return err
	}
	return r.withHelper(ctx, volName, func(cid string) error {
		return r.cli.CopyToContainer(ctx, cid, workDir, bytes.NewReader(archive),
			container.CopyToContainerOptions{AllowOverwriteDirWithFile: true})
	})
}

func (r *Runner) copyFromVolume(ctx context.Context, volName, name string) ([]byte, error) {
	var data []byte
	err := r.withHelper(ctx, volName, func(cid string) error {
		rc, _, err := r.cli.CopyFromContainer(ctx, cid, workDir+"/"+name)
		if err != nil {
			return err
		}
		defer rc.Close()
		data, err = untarFirst(rc)
		return err
	})
	return data, err
}

func tarFiles(files map[string][]byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)
	for name, data := range files {
		hdr := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// untarFirst returns the contents of the first regular file in a tar stream.
func untarFirst(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive has no regular file")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}
