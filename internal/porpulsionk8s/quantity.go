// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package porpulsionk8s

import (
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"
)

func parseQuantity(v string) (resource.Quantity, error) {
	return resource.ParseQuantity(v)
}

func intOrString(port int) intstr.IntOrString {
	return intstr.FromInt(port)
}

// CompareQuantity reports cmp(a, b): -1, 0, or 1, for
// internal/admission's per-pod and aggregate quota checks, which
// compare RemoteAppSpec resource strings using Kubernetes Quantity
// semantics rather than naive string/float comparison.
func CompareQuantity(a, b string) (int, error) {
	qa, err := resource.ParseQuantity(a)
	if err != nil {
		return 0, err
	}
	qb, err := resource.ParseQuantity(b)
	if err != nil {
		return 0, err
	}
	return qa.Cmp(qb), nil
}

// SumQuantities parses and sums a list of Kubernetes quantity strings,
// for internal/admission's aggregate cap checks (max_total_cpu_requests
// etc.) which must sum across every currently-executing RemoteApp.
func SumQuantities(values []string) (resource.Quantity, error) {
	total := resource.Quantity{}
	for _, v := range values {
		if v == "" {
			continue
		}
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return resource.Quantity{}, err
		}
		total.Add(q)
	}
	return total, nil
}
