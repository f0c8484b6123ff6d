/*************************************************************************
 * Copyright 2024 Warden Authors. All rights reserved.
 * Contact: <security@wardenhq.example>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package correlate

import (
	"time"

	"github.com/wardenhq/warden/event"
)

// DefaultRules returns the three baseline CorrelationRules from spec
// §4.7's "Default rules include" list.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       `port-scan-then-exploit`,
			Window:   60 * time.Second,
			GroupBy:  AttrSourceAddr,
			Severity: event.High,
			MultiStage: true,
			MaxPerWindow: 1,
			CPUBudget:        2 * time.Millisecond,
			CooldownOnBudget: 30 * time.Second,
			Stages: []Stage{
				{
					Kind:       event.KindNetConnect,
					DistinctBy: AttrDestPort,
					MinCount:   50,
				},
				{
					Kind:         event.KindFileExec,
					ReasonPrefix: `pattern:priv-esc`,
					MinCount:     1,
				},
			},
		},
		{
			ID:           `lateral-movement`,
			Window:       60 * time.Second,
			GroupBy:      AttrSubjectIdentity,
			Severity:     event.Medium,
			MaxPerWindow: 3,
			CPUBudget:        2 * time.Millisecond,
			CooldownOnBudget: 30 * time.Second,
			Stages: []Stage{
				{
					Kind:            event.KindNetConnect,
					DistinctBy:      AttrDestAddr,
					RequireDestPort: 22,
					MinCount:        5,
				},
			},
		},
		{
			ID:           `exfiltration`,
			Window:       120 * time.Second,
			GroupBy:      AttrSourceAddr,
			Severity:     event.High,
			MaxPerWindow: 3,
			CPUBudget:        2 * time.Millisecond,
			CooldownOnBudget: 30 * time.Second,
			Stages: []Stage{
				{
					Kind:                 event.KindNetConnect,
					RequireFlaggedRemote: true,
					SumBytesThreshold:    10 * 1024 * 1024,
					MinCount:             1,
				},
			},
		},
	}
}
