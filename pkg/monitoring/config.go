// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package monitoring

import (
	"fmt"

	"github.com/united-manufacturing-hub/umh-utils/env"
)

const (
	DefaultCriticalThreshold = 50
	DefaultEnergyLimit       = 500
)

// EnergyAlertPolicy controls how repeated over-limit readings are reported.
type EnergyAlertPolicy string

const (
	// EnergyAlertEveryReading emits one critical notification per over-limit reading.
	EnergyAlertEveryReading EnergyAlertPolicy = "every_reading"
	// EnergyAlertOnCrossing emits only when the previous reading was at or below the limit.
	EnergyAlertOnCrossing EnergyAlertPolicy = "on_crossing"
)

// Config is passed to the coordinator at construction; evaluators are pure functions of (state, Config).
type Config struct {
	CriticalThreshold int64
	EnergyLimit       int64
	EnergyPolicy      EnergyAlertPolicy
}

func DefaultConfig() Config {
	return Config{
		CriticalThreshold: DefaultCriticalThreshold,
		EnergyLimit:       DefaultEnergyLimit,
		EnergyPolicy:      EnergyAlertEveryReading,
	}
}

func (c Config) Validate() error {
	switch c.EnergyPolicy {
	case EnergyAlertEveryReading, EnergyAlertOnCrossing:
	default:
		return fmt.Errorf("unknown energy alert policy %q", c.EnergyPolicy)
	}
	if c.EnergyLimit < 0 {
		return fmt.Errorf("energy limit must not be negative, got %d", c.EnergyLimit)
	}
	return nil
}

// ConfigFromEnv reads CRITICAL_THRESHOLD, ENERGY_LIMIT and ENERGY_ALERT_POLICY.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	threshold, err := env.GetAsInt("CRITICAL_THRESHOLD", false, DefaultCriticalThreshold)
	if err != nil {
		return cfg, err
	}
	limit, err := env.GetAsInt("ENERGY_LIMIT", false, DefaultEnergyLimit)
	if err != nil {
		return cfg, err
	}
	policy, err := env.GetAsString("ENERGY_ALERT_POLICY", false, string(EnergyAlertEveryReading))
	if err != nil {
		return cfg, err
	}

	cfg.CriticalThreshold = int64(threshold)
	cfg.EnergyLimit = int64(limit)
	cfg.EnergyPolicy = EnergyAlertPolicy(policy)
	return cfg, cfg.Validate()
}
