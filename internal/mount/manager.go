// Package mount prepares an attached volume for use inside the guest:
// filesystem detection, conditional format, mount-point creation and mount.
//
// Mounts are not added to fstab and do not survive a reboot.
package mount

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/stackzilla/linode-provider/internal/remote"
)

// Step names one remote provisioning step.
type Step string

const (
	StepProbe   Step = "probe"
	StepFormat  Step = "format"
	StepMkdir   Step = "mkdir"
	StepMount   Step = "mount"
	StepUnmount Step = "unmount"
)

var stepReasons = map[Step]string{
	StepFormat:  "failed to format volume",
	StepMkdir:   "failed to create a mount point directory",
	StepMount:   "failed to mount the volume",
	StepUnmount: "unable to unmount volume",
}

// StepError reports a remote command that exited non-zero.
type StepError struct {
	Step    Step
	Command string
	Result  *remote.Result
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", stepReasons[e.Step], e.Result.Output())
}

// Request describes what to provision.
type Request struct {
	// Device is the block device path inside the guest.
	Device         string
	MountPoint     string
	FileSystemType string
}

// Manager runs the provisioning sequence over a remote.Executor.
type Manager struct {
	logger *zap.Logger
}

// NewManager returns a Manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger.Named("mount")}
}

// Provision formats the device when it carries no filesystem, creates the
// mount point and mounts the device there. It does nothing when no mount
// point is requested. Transport failures are returned as is; a command that
// exits non-zero is returned as a *StepError.
func (m *Manager) Provision(ctx context.Context, exec remote.Executor, req Request) error {
	if req.MountPoint == "" {
		return nil
	}
	logger := m.logger.With(zap.String("device", req.Device), zap.String("mount_point", req.MountPoint))

	if req.FileSystemType != "" {
		probe := shellquote.Join("blkid", req.Device)
		res, err := exec.Run(ctx, probe)
		if err != nil {
			return errors.Annotatef(err, "probing %s", req.Device)
		}
		if res.Success() {
			logger.Info("file system already exists, skipping format")
		} else {
			format := shellquote.Join("mkfs."+req.FileSystemType, req.Device)
			logger.Info("formatting volume", zap.String("command", format))
			if err := m.run(ctx, exec, StepFormat, format, remote.WithSudo()); err != nil {
				return err
			}
		}
	}

	mkdir := shellquote.Join("mkdir", "-p", req.MountPoint)
	logger.Info("creating mount point", zap.String("command", mkdir))
	if err := m.run(ctx, exec, StepMkdir, mkdir, remote.WithSudo(), remote.WithPTY()); err != nil {
		return err
	}

	mount := shellquote.Join("mount", req.Device, req.MountPoint)
	if err := m.run(ctx, exec, StepMount, mount, remote.WithSudo()); err != nil {
		return err
	}
	logger.Info("volume mounted")
	return nil
}

// Unmount force-unmounts mountPoint.
func (m *Manager) Unmount(ctx context.Context, exec remote.Executor, mountPoint string) error {
	return m.run(ctx, exec, StepUnmount, shellquote.Join("umount", "-f", mountPoint))
}

func (m *Manager) run(ctx context.Context, exec remote.Executor, step Step, command string, opts ...remote.RunOption) error {
	res, err := exec.Run(ctx, command, opts...)
	if err != nil {
		return errors.Annotatef(err, "running %s step", step)
	}
	if !res.Success() {
		return &StepError{Step: step, Command: command, Result: res}
	}
	return nil
}
