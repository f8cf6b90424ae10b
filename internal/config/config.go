// Package config loads the coordinator settings from the environment, with an optional YAML file
// named by CONFIG_FILE.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	envConfigFile     = "CONFIG_FILE"
	envAppName        = "APP_NAME"
	envAppLogLevel    = "APP_LOG_LEVEL"
	envStoreType      = "COORDINATOR_STORE_TYPE"
	envServers        = "COORDINATOR_SERVERS"
	envUsername       = "COORDINATOR_USERNAME"
	envPassword       = "COORDINATOR_PASSWORD"
	envSessionTimeout = "COORDINATOR_SESSION_TIMEOUT"
	envRoot           = "COORDINATOR_ROOT"
	envGroupPath      = "GROUP_PATH"
	envGroupID        = "GROUP_ID"
	envContainerID    = "CONTAINER_ID"
	envTreePath       = "TREE_PATH"

	StoreZookeeper = "zookeeper"
	StoreEtcd      = "etcd"
	StoreMemory    = "memory"

	defaultSessionTimeout = 15 * time.Second
	defaultRoot           = "/coordinator"
	defaultGroupsPath     = "/groups/"
)

var defaultServers = map[string]string{
	StoreZookeeper: "127.0.0.1:2181",
	StoreEtcd:      "127.0.0.1:2379",
}

type StoreConfig struct {
	Type           string
	Servers        []string
	Username       string
	Password       string
	SessionTimeout time.Duration
	// Root is the etcd key prefix the tree lives under.
	Root string
}

type GroupConfig struct {
	Path        string
	ID          string
	ContainerID string
	TreePath    string
}

type Config struct {
	AppName  string
	LogLevel string
	Store    StoreConfig
	Group    GroupConfig
}

var (
	initialized bool
	once        sync.Once
)

// InitEnv binds viper to the environment and reads CONFIG_FILE when set.
func InitEnv() {
	if initialized {
		log.Debug().Msg("Env already initialized!")
		return
	}
	once.Do(func() {
		viper.AutomaticEnv()
		if file := viper.GetString(envConfigFile); file != "" {
			viper.SetConfigFile(file)
			if err := viper.ReadInConfig(); err != nil {
				log.Panic().Err(err).Msgf("reading config file %s", file)
			}
		}
		initialized = true
		log.Info().Msg("Env initialized!")
	})
}

func Load() (Config, error) {
	if !viper.IsSet(envAppName) {
		return Config{}, fmt.Errorf("%s is not set", envAppName)
	}
	appName := strings.TrimSpace(viper.GetString(envAppName))

	storeType := StoreZookeeper
	if viper.IsSet(envStoreType) {
		storeType = strings.ToLower(strings.TrimSpace(viper.GetString(envStoreType)))
	}
	if _, ok := defaultServers[storeType]; !ok && storeType != StoreMemory {
		return Config{}, fmt.Errorf("invalid %s: %q", envStoreType, storeType)
	}

	servers := parseServers(defaultServers[storeType])
	if viper.IsSet(envServers) {
		servers = parseServers(viper.GetString(envServers))
	}
	if storeType != StoreMemory && len(servers) == 0 {
		return Config{}, fmt.Errorf("%s is empty", envServers)
	}

	sessionTimeout := defaultSessionTimeout
	if viper.IsSet(envSessionTimeout) {
		sessionTimeout = viper.GetDuration(envSessionTimeout)
		if sessionTimeout <= 0 {
			return Config{}, fmt.Errorf("invalid %s: %q", envSessionTimeout, viper.GetString(envSessionTimeout))
		}
	}

	root := defaultRoot
	if viper.IsSet(envRoot) {
		root = viper.GetString(envRoot)
	}

	groupPath := defaultGroupsPath + appName
	if viper.IsSet(envGroupPath) {
		groupPath = viper.GetString(envGroupPath)
	}
	groupID := appName
	if viper.IsSet(envGroupID) {
		groupID = viper.GetString(envGroupID)
	}

	return Config{
		AppName:  appName,
		LogLevel: viper.GetString(envAppLogLevel),
		Store: StoreConfig{
			Type:           storeType,
			Servers:        servers,
			Username:       viper.GetString(envUsername),
			Password:       viper.GetString(envPassword),
			SessionTimeout: sessionTimeout,
			Root:           root,
		},
		Group: GroupConfig{
			Path:        groupPath,
			ID:          groupID,
			ContainerID: viper.GetString(envContainerID),
			TreePath:    viper.GetString(envTreePath),
		},
	}, nil
}

func parseServers(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
