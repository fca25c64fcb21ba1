package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// saveAgentIDToConfig writes grpc.agent_id into the YAML file at path,
// keeping the other settings.
func saveAgentIDToConfig(path, agentID string) error {
	if path == "" {
		return fmt.Errorf("config path not set")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg map[string]interface{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg == nil {
		cfg = make(map[string]interface{})
	}

	grpcConfig, ok := cfg["grpc"].(map[string]interface{})
	if !ok {
		grpcConfig = make(map[string]interface{})
		cfg["grpc"] = grpcConfig
	}
	if current, _ := grpcConfig["agent_id"].(string); current == agentID {
		return nil
	}
	grpcConfig["agent_id"] = agentID

	updated, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	comment := "# Agent registered as " + agentID + " on " + time.Now().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(comment+string(updated)), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
