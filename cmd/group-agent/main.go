package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/Meesho/BharatMLStack/group-coordinator/internal/config"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/codec"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/factory"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/group"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/logger"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/metric"
	"github.com/Meesho/BharatMLStack/group-coordinator/pkg/treecache"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func main() {
	config.InitEnv()
	logger.Init()
	metric.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	handle, err := factory.New(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to the coordination store")
	}

	containerID := cfg.Group.ContainerID
	if containerID == "" {
		containerID = uuid.NewString()
		log.Info().Msgf("CONTAINER_ID not set, using %s", containerID)
	}

	g, err := group.New(handle.Store(), cfg.Group.Path, codec.New(), group.WithElection(group.PerLogicalID()))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create group")
	}
	g.AddListener(group.ListenerFunc(logMembership))
	if err := g.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start group")
	}
	self := &codec.NodeState{
		Id:          cfg.Group.ID,
		ContainerId: containerID,
		Attributes:  map[string]string{"app": cfg.AppName},
	}
	if err := g.Update(self); err != nil {
		log.Fatal().Err(err).Msg("failed to publish membership")
	}

	var tree *treecache.Cache
	if cfg.Group.TreePath != "" {
		tree, err = treecache.New(handle.Store(), cfg.Group.TreePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create tree cache")
		}
		tree.AddListener(treecache.ListenerFunc(logTreeEvent))
		if err := tree.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start tree cache")
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info().Msgf("received %s, leaving %s", sig, cfg.Group.Path)

	if tree != nil {
		if err := tree.Close(); err != nil {
			log.Error().Err(err).Msg("closing tree cache")
		}
	}
	if err := g.Close(); err != nil {
		log.Error().Err(err).Msg("closing group")
	}
	if err := handle.Close(); err != nil {
		log.Error().Err(err).Msg("closing coordination store")
	}
}

func logMembership(g *group.Group, kind group.EventKind) {
	if kind != group.Changed {
		log.Info().Msgf("group %s %s", g.Path(), kind)
		return
	}
	out, err := renderMembers(g)
	if err != nil {
		log.Error().Err(err).Msg("rendering membership")
		return
	}
	log.Info().Bool("master", g.IsMaster()).Msgf("group %s membership:\n%s", g.Path(), out)
}

func logTreeEvent(c *treecache.Cache, e treecache.Event) {
	log.Info().Str("root", c.Root()).Str("event", e.Type.String()).Msg(e.Path)
}
