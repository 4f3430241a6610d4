// Package rvconfig loads the process environment of a run: the named
// profile's settings, log verbosity and the scratch directory root.
//
// Settings are looked up in explicit overrides, then the OS environment,
// then a .env file in the working directory, then the profile files. Profile
// files are INI; a key under [SECTION] is looked up as SECTION_KEY, which is
// what Subconfig("section") reads. The profile is Options.Profile, else
// RV_PROFILE, else "default"; a named profile without any config file is
// ErrProfileNotFound.
package rvconfig
