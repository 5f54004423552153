// Package app wires configuration into a running provider.
package app

import (
	"os"
	"strings"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/stackzilla/linode-provider/internal/attach"
	"github.com/stackzilla/linode-provider/internal/cloud"
	"github.com/stackzilla/linode-provider/internal/config"
	"github.com/stackzilla/linode-provider/internal/engine"
	"github.com/stackzilla/linode-provider/internal/events"
	"github.com/stackzilla/linode-provider/internal/instance"
	"github.com/stackzilla/linode-provider/internal/mount"
	"github.com/stackzilla/linode-provider/internal/poll"
	"github.com/stackzilla/linode-provider/internal/remote"
	"github.com/stackzilla/linode-provider/internal/storage"
	"github.com/stackzilla/linode-provider/internal/volume"
)

// Deps are the collaborators App is built on. Zero fields are built from
// the configuration.
type Deps struct {
	Store  storage.Store
	Client cloud.Client
	Dialer remote.Dialer
	Poller *poll.Poller
}

// App owns the long-lived parts of the provider.
type App struct {
	Engine    *engine.Engine
	Store     storage.Store
	Publisher *events.Publisher
	logger    *zap.Logger
}

// New builds an App from cfg.
func New(cfg config.Config, deps Deps, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	store := deps.Store
	if store == nil {
		s, err := storage.NewBadgerStore(cfg.DBPath)
		if err != nil {
			return nil, errors.Trace(err)
		}
		store = s
	}
	a := &App{Store: store, logger: logger}

	client := deps.Client
	if client == nil {
		client = cloud.NewLinodeClient(cfg.Token)
	}
	dialer := deps.Dialer
	if dialer == nil {
		dialer = &remote.SSHDialer{KeyPath: cfg.SSHKeyPath}
	}
	poller := deps.Poller
	if poller == nil {
		poller = poll.New(nil)
	}

	keys, err := authorizedKeys(cfg.SSHKeyPath)
	if err != nil {
		a.Close()
		return nil, errors.Trace(err)
	}

	instances := instance.New(instance.Config{
		Token:   cfg.Token,
		API:     client,
		Store:   store,
		Dialer:  dialer,
		Poller:  poller,
		Options: instance.Options{SSHUser: cfg.SSHUser, AuthorizedKeys: keys},
		Logger:  logger,
	})
	volumes, err := volume.New(volume.Config{
		Token:       cfg.Token,
		API:         client,
		Store:       store,
		Coordinator: attach.New(client, poller, attach.Options{}, logger),
		Mounter:     mount.NewManager(logger),
		Dialer:      dialer,
		Poller:      poller,
		Options:     volume.Options{SSHUser: cfg.SSHUser},
		Logger:      logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var notifier engine.Notifier
	if cfg.NATSURL != "" {
		pub, err := events.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			a.Close()
			return nil, errors.Trace(err)
		}
		a.Publisher = pub
		notifier = pub
		volumes.SizeChanged.Subscribe(pub.VolumeResized)
	}

	a.Engine = engine.New(engine.Config{
		Store:     store,
		Instances: instances,
		Volumes:   volumes,
		Notifier:  notifier,
		Logger:    logger,
	})
	return a, nil
}

// authorizedKeys reads the public half of the configured private key.
func authorizedKeys(keyPath string) ([]string, error) {
	if keyPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(keyPath + ".pub")
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading public key for %s", keyPath)
	}
	return []string{strings.TrimSpace(string(data))}, nil
}

// Close releases the store and the NATS connection.
func (a *App) Close() {
	if a.Publisher != nil {
		a.Publisher.Close()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.logger.Warn("closing store", zap.Error(err))
		}
	}
}
