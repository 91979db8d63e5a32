// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// buildaccel runs a manifest of build tasks through the build
// acceleration controller.
//
// The manifest is a JSONC file listing commands with their input,
// output and dependency files:
//
//	{
//	  // one entry per compile
//	  "tasks": [
//	    {
//	      "executable": "/usr/bin/cc",
//	      "arguments": ["-c", "main.c", "-o", "main.o"],
//	      "output": "main.o",
//	      "description": "main.c",
//	    },
//	  ],
//	}
//
// Configuration comes from --config or BUILDACCEL_CONFIG. A .env file
// in the working directory (or --env-file) is loaded first, so the
// fleet token can be kept out of the config as BUILDACCEL_FLEET_TOKEN.
//
// Tasks the controller hands back for local execution (cancelled, or
// completed with no valid output) are run on this machine. The exit
// code is non-zero when any task fails.
package main
