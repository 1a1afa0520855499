package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	RPCURL           string
	Network          string
	ChainID          uint64
	DataDir          string
	DocBackend       string
	DBPath           string
	DBDSN            string
	HTTPAddr         string
	RedisAddr        string
	OtelEndpoint     string
	BackupInterval   time.Duration
	SegmentBlocks    uint64
	MaxBackupFiles   int
	AutoCleanup      bool
	KafkaBrokers     []string
	KafkaTopicPrefix string
	LogLevel         string
	LogFormat        string
	LogFile          string
	LogMaxSizeMB     int
	LogMaxBackups    int
}

type EnvSource interface {
	Lookup(key string) (string, bool)
}

type EnvMap map[string]string

func (e EnvMap) Lookup(key string) (string, bool) {
	value, ok := e[key]
	return value, ok
}

func FromEnviron() EnvSource {
	env := make(EnvMap)
	for _, entry := range os.Environ() {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

func Load(source EnvSource) (Config, error) {
	if source == nil {
		return Config{}, errors.New("env source is required")
	}

	rpcURL, ok := source.Lookup("RPC_URL")
	if !ok || rpcURL == "" {
		return Config{}, errors.New("RPC_URL is required")
	}

	network, ok := source.Lookup("NETWORK")
	if !ok || strings.TrimSpace(network) == "" {
		network = "mainnet"
	}
	chainID, err := parseUintEnv(source, "CHAIN_ID", 1)
	if err != nil {
		return Config{}, err
	}

	dataDir, ok := source.Lookup("DATA_DIR")
	if !ok || strings.TrimSpace(dataDir) == "" {
		dataDir = "data"
	}

	docBackend, ok := source.Lookup("DOC_BACKEND")
	if !ok || strings.TrimSpace(docBackend) == "" {
		docBackend = "sqlite"
	}
	docBackend = strings.ToLower(strings.TrimSpace(docBackend))

	dbPath, ok := source.Lookup("DB_PATH")
	if !ok || strings.TrimSpace(dbPath) == "" {
		dbPath = "data/txvault.db"
	}
	dbDSN, ok := source.Lookup("DB_DSN")
	if !ok || strings.TrimSpace(dbDSN) == "" {
		dbDSN = "root:@tcp(127.0.0.1:3306)/txvault?parseTime=true&multiStatements=true"
	}

	httpAddr := ":8080"
	if raw, ok := source.Lookup("HTTP_ADDR"); ok && raw != "" {
		httpAddr = raw
	}

	redisAddr := ""
	if raw, ok := source.Lookup("REDIS_ADDR"); ok {
		redisAddr = strings.TrimSpace(raw)
	}

	otelEndpoint, _ := source.Lookup("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelEndpoint = strings.TrimSpace(otelEndpoint)

	backupInterval := time.Hour
	if raw, ok := source.Lookup("BACKUP_INTERVAL"); ok && raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BACKUP_INTERVAL: %w", err)
		}
		backupInterval = duration
	}

	segmentBlocks, err := parseUintEnv(source, "SEGMENT_BLOCKS", 100)
	if err != nil {
		return Config{}, err
	}
	maxBackupFiles, err := parseUintEnv(source, "MAX_BACKUP_FILES", 0)
	if err != nil {
		return Config{}, err
	}
	autoCleanup, err := parseBoolEnv(source, "AUTO_CLEANUP", false)
	if err != nil {
		return Config{}, err
	}

	kafkaBrokers := parseList(source, "KAFKA_BROKERS")
	kafkaTopicPrefix, ok := source.Lookup("KAFKA_TOPIC_PREFIX")
	if !ok || kafkaTopicPrefix == "" {
		kafkaTopicPrefix = "txvault-audit"
	}

	logLevel, _ := source.Lookup("LOG_LEVEL")
	logFormat, _ := source.Lookup("LOG_FORMAT")
	logFile, _ := source.Lookup("LOG_FILE")
	logMaxSizeMB, err := parseUintEnv(source, "LOG_MAX_SIZE_MB", 100)
	if err != nil {
		return Config{}, err
	}
	logMaxBackups, err := parseUintEnv(source, "LOG_MAX_BACKUPS", 3)
	if err != nil {
		return Config{}, err
	}

	return Config{
		RPCURL:           rpcURL,
		Network:          network,
		ChainID:          chainID,
		DataDir:          dataDir,
		DocBackend:       docBackend,
		DBPath:           dbPath,
		DBDSN:            dbDSN,
		HTTPAddr:         httpAddr,
		RedisAddr:        redisAddr,
		OtelEndpoint:     otelEndpoint,
		BackupInterval:   backupInterval,
		SegmentBlocks:    segmentBlocks,
		MaxBackupFiles:   int(maxBackupFiles),
		AutoCleanup:      autoCleanup,
		KafkaBrokers:     kafkaBrokers,
		KafkaTopicPrefix: kafkaTopicPrefix,
		LogLevel:         logLevel,
		LogFormat:        logFormat,
		LogFile:          logFile,
		LogMaxSizeMB:     int(logMaxSizeMB),
		LogMaxBackups:    int(logMaxBackups),
	}, nil
}

func parseUintEnv(source EnvSource, key string, defaultValue uint64) (uint64, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseBoolEnv(source EnvSource, key string, defaultValue bool) (bool, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseList(source EnvSource, key string) []string {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var values []string
	for _, item := range strings.Split(raw, ",") {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		values = append(values, value)
	}
	return values
}
