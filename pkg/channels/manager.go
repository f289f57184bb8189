package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dotsetgreg/dotmemory/pkg/bus"
	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/logger"
)

type Manager struct {
	channels     map[string]Channel
	bus          *bus.MessageBus
	config       *config.Config
	log          zerolog.Logger
	dispatchTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg *config.Config, messageBus *bus.MessageBus, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
		config:   cfg,
		log:      logger.Component(log, "channels"),
	}

	if err := m.initChannels(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) initChannels() error {
	if m.config == nil || !m.config.Channels.Discord.Enabled {
		m.log.Debug().Msg("no chat channels enabled")
		return nil
	}

	if strings.TrimSpace(m.config.Channels.Discord.Token) == "" {
		return fmt.Errorf("channels.discord.token is required")
	}

	discord, err := NewDiscordChannel(m.config.Channels.Discord, m.bus, logger.Component(m.log, "discord"))
	if err != nil {
		return fmt.Errorf("initialize Discord channel: %w", err)
	}
	m.channels[discord.Name()] = discord
	m.log.Info().Int("enabled_channels", len(m.channels)).Msg("channel initialization completed")

	return nil
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	if len(m.channels) == 0 {
		m.mu.RUnlock()
		m.log.Info().Msg("no channels enabled")
		return nil
	}
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		channelsCopy[name] = channel
	}
	m.mu.RUnlock()

	var started []string
	var startErrors []string
	for name, channel := range channelsCopy {
		m.log.Info().Str("channel", name).Msg("starting channel")
		if err := channel.Start(ctx); err != nil {
			m.log.Error().Err(err).Str("channel", name).Msg("failed to start channel")
			startErrors = append(startErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		started = append(started, name)
	}

	if len(startErrors) > 0 {
		for _, name := range started {
			if err := channelsCopy[name].Stop(ctx); err != nil {
				m.log.Warn().Err(err).Str("channel", name).Msg("failed to stop partially-started channel")
			}
		}
		return fmt.Errorf("failed to start channels: %s", strings.Join(startErrors, "; "))
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	task := &asyncTask{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
	}
	m.dispatchTask = task
	m.mu.Unlock()

	go func() {
		defer close(task.done)
		m.dispatchOutbound(dispatchCtx)
	}()

	m.log.Info().Int("count", len(started)).Msg("all channels started")
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task := m.dispatchTask
	m.dispatchTask = nil
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, channel := range m.channels {
		channelsCopy[name] = channel
	}
	m.mu.Unlock()

	if task != nil {
		task.cancel()
		select {
		case <-task.done:
		case <-ctx.Done():
		}
	}

	for name, channel := range channelsCopy {
		if !channel.IsRunning() {
			continue
		}
		if err := channel.Stop(ctx); err != nil {
			m.log.Error().Err(err).Str("channel", name).Msg("error stopping channel")
		}
	}

	m.log.Info().Msg("all channels stopped")
	return nil
}

func (m *Manager) dispatchOutbound(ctx context.Context) {
	m.log.Debug().Msg("outbound dispatcher started")
	defer m.log.Debug().Msg("outbound dispatcher stopped")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			// Context done or bus closed.
			return
		}

		m.mu.RLock()
		channel, exists := m.channels[msg.Channel]
		m.mu.RUnlock()

		if !exists {
			m.log.Warn().Str("channel", msg.Channel).Msg("unknown channel for outbound message")
			continue
		}

		if err := channel.Send(ctx, msg); err != nil {
			m.log.Error().Err(err).Str("channel", msg.Channel).Str("chat_id", msg.ChatID).Msg("error sending message to channel")
		}
	}
}

func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}
