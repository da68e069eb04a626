package main

import (
	_ "github.com/epcpower/goepyq/pkg/can/loopback"
	_ "github.com/epcpower/goepyq/pkg/can/slcan"
	_ "github.com/epcpower/goepyq/pkg/can/virtual"
)
