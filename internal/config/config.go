/*
Copyright The CloudNativePG Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config resolves the Prefix Context and backend credentials from
// the environment, per spec.md §6. Exactly one WALE_*_PREFIX variable must
// be set; it selects both the blob scheme and the backend-specific
// credential family read alongside it.
package config

import (
	"fmt"
	"os"
)

// Scheme identifies which blob backend a Prefix Context addresses.
type Scheme string

const (
	// SchemeS3 addresses Amazon S3 or an S3-compatible endpoint.
	SchemeS3 Scheme = "s3"
	// SchemeAzure addresses Azure Blob Storage.
	SchemeAzure Scheme = "wabs"
	// SchemeGCS addresses Google Cloud Storage.
	SchemeGCS Scheme = "gs"
	// SchemeSwift addresses OpenStack Swift.
	SchemeSwift Scheme = "swift"
)

// S3 carries the credentials and options specific to the S3 backend.
type S3 struct {
	AccessKeyID     string
	SecretAccessKey string
	SecurityToken   string
	Region          string
	Endpoint        string // scheme+convention://host[:port]
}

// Azure carries the credentials specific to the Azure Blob backend.
type Azure struct {
	AccountName string
	AccessKey   string
	SASToken    string
}

// GCS carries the credentials specific to the Google Cloud Storage backend.
type GCS struct {
	ApplicationCredentials string
}

// Swift carries the credentials specific to the OpenStack Swift backend.
type Swift struct {
	AuthURL      string
	Tenant       string
	User         string
	Password     string
	AuthVersion  string
	EndpointType string
}

// Config is the fully resolved environment for one pgarchive invocation.
type Config struct {
	Scheme Scheme
	Prefix string // the URL as given, e.g. "s3://bucket/dir"

	S3    S3
	Azure Azure
	GCS   GCS
	Swift Swift

	GPGKeyID       string
	LogDestination string
	SyslogFacility string
}

// FromEnvironment resolves a Config from the process environment. It fails
// if zero or more than one WALE_*_PREFIX variable is set.
func FromEnvironment() (*Config, error) {
	type candidate struct {
		scheme Scheme
		value  string
	}
	candidates := []candidate{
		{SchemeS3, os.Getenv("WALE_S3_PREFIX")},
		{SchemeAzure, os.Getenv("WALE_WABS_PREFIX")},
		{SchemeGCS, os.Getenv("WALE_GS_PREFIX")},
		{SchemeSwift, os.Getenv("WALE_SWIFT_PREFIX")},
	}

	var found []candidate
	for _, c := range candidates {
		if c.value != "" {
			found = append(found, c)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("no prefix configured: set exactly one of " +
			"WALE_S3_PREFIX, WALE_WABS_PREFIX, WALE_GS_PREFIX, WALE_SWIFT_PREFIX")
	case 1:
		// fallthrough below
	default:
		return nil, fmt.Errorf("more than one prefix variable is set: a single " +
			"invocation must address exactly one writing cluster's Prefix Context")
	}

	cfg := &Config{
		Scheme:         found[0].scheme,
		Prefix:         found[0].value,
		GPGKeyID:       os.Getenv("WALE_GPG_KEY_ID"),
		LogDestination: os.Getenv("WALE_LOG_DESTINATION"),
		SyslogFacility: os.Getenv("WALE_SYSLOG_FACILITY"),
	}

	switch cfg.Scheme {
	case SchemeS3:
		cfg.S3 = S3{
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SecurityToken:   os.Getenv("AWS_SECURITY_TOKEN"),
			Region:          os.Getenv("AWS_REGION"),
			Endpoint:        os.Getenv("WALE_S3_ENDPOINT"),
		}
	case SchemeAzure:
		cfg.Azure = Azure{
			AccountName: os.Getenv("WABS_ACCOUNT_NAME"),
			AccessKey:   os.Getenv("WABS_ACCESS_KEY"),
			SASToken:    os.Getenv("WABS_SAS_TOKEN"),
		}
		if cfg.Azure.AccessKey == "" && cfg.Azure.SASToken == "" {
			return nil, fmt.Errorf("azure backend requires WABS_ACCESS_KEY or WABS_SAS_TOKEN")
		}
	case SchemeGCS:
		cfg.GCS = GCS{
			ApplicationCredentials: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		}
	case SchemeSwift:
		cfg.Swift = Swift{
			AuthURL:      os.Getenv("SWIFT_AUTHURL"),
			Tenant:       os.Getenv("SWIFT_TENANT"),
			User:         os.Getenv("SWIFT_USER"),
			Password:     os.Getenv("SWIFT_PASSWORD"),
			AuthVersion:  os.Getenv("SWIFT_AUTH_VERSION"),
			EndpointType: os.Getenv("SWIFT_ENDPOINT_TYPE"),
		}
	}

	return cfg, nil
}
