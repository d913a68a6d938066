// Package config provides loading and environment overlay for xs runtime
// configuration. It exposes a Default() baseline that files and XS_*
// environment variables refine; command-line flags are applied last by the
// caller.
//
// Example:
//
//	cfg, err := config.Load("/etc/xs.yaml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
package config
