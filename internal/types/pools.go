// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package types

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// LoadPools reads the declarative pools file (YAML) and returns the pool ->
// instances tree. Environment references of the form ${VAR} are substituted
// before parsing so credentials stay out of the file itself.
//
// Expected shape:
//
//	pools:
//	  default:
//	    instances:
//	      nessus-01:
//	        url: https://nessus-01.internal:8834
//	        username: ${NESSUS_01_USER}
//	        password: ${NESSUS_01_PASS}
//	        max_concurrent_scans: 5
//	        enabled: true
func LoadPools(path string) (map[string]PoolConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pools file %s: %w", path, err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return nil, fmt.Errorf("failed to parse pools file %s: %w", path, err)
	}

	var wrapper struct {
		Pools map[string]PoolConfig `mapstructure:"pools"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return nil, fmt.Errorf("failed to decode pools file %s: %w", path, err)
	}
	if len(wrapper.Pools) == 0 {
		return nil, fmt.Errorf("pools file %s defines no pools", path)
	}
	return wrapper.Pools, nil
}
