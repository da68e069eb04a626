//go:build linux

package main

import (
	_ "github.com/epcpower/goepyq/pkg/can/socketcan"
	_ "github.com/epcpower/goepyq/pkg/can/socketcanv2"
	_ "github.com/epcpower/goepyq/pkg/can/socketcanv3"
)
