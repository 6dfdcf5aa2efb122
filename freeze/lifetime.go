// Copyright 2024-2026 The Cryograph Authors. SPDX-License-Identifier: Apache-2.0

package freeze

import (
	"k8s.io/klog/v2"

	"github.com/cryograph/cryograph/types"
	"github.com/cryograph/cryograph/types/tensors"
)

// releaseParameters settles each binding's fate after the frozen graph
// compiled. Kept bindings go back to the caller unless their node died as
// unused. Folded bindings are snapshotted and, under cfg.DiscardParameters,
// drop their reference to the original storage.
//
// Release is deliberately the last stage: any earlier error leaves every
// binding's value untouched.
func releaseParameters(bindings []ParamBinding, reasons []keepReason, cfg Config, report *Report) (folded []FrozenParam, kept []ParamBinding) {
	for i, binding := range bindings {
		if reasons[i] != keepNone {
			if binding.Node.IsDead() {
				// Unused and kept: it stopped being an input but its value
				// was never baked in either, so the caller keeps it as is.
				klog.V(1).Infof("freeze: kept parameter %q is unused, removed from the graph", binding.Name)
				continue
			}
			kept = append(kept, binding)
			continue
		}
		frozen := FrozenParam{
			Name:      binding.Name,
			Shape:     binding.Value.Shape().Clone(),
			Layout:    binding.Value.Layout().Clone(),
			Bytes:     binding.Value.Memory(),
			StorageID: binding.Value.StorageID(),
		}
		if cfg.DiscardParameters {
			binding.Value.Finalize()
		}
		folded = append(folded, frozen)
	}
	if !cfg.DiscardParameters {
		return folded, kept
	}

	// Liveness is settled only after every folded binding dropped its
	// reference: several bindings may share one storage.
	released := types.MakeSet[tensors.StorageID](len(folded))
	for i := range folded {
		frozen := &folded[i]
		frozen.StorageReleased = !tensors.StorageLive(frozen.StorageID)
		if !frozen.StorageReleased {
			klog.Warningf("freeze: parameter %q was folded but its storage (%d bytes) stays live, shared with tensors outside the bindings",
				frozen.Name, frozen.Bytes)
			continue
		}
		if released.Has(frozen.StorageID) {
			continue
		}
		released.Insert(frozen.StorageID)
		report.ReleasedBytes += frozen.Bytes
	}
	return folded, kept
}
