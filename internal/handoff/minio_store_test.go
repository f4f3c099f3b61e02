package handoff

import "testing"

func TestMinIOConfigValidate(t *testing.T) {
	valid := MinIOConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		Bucket:    "handoff",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	cases := []struct {
		name   string
		mutate func(*MinIOConfig)
	}{
		{"scheme in endpoint", func(c *MinIOConfig) { c.Endpoint = "http://localhost:9000" }},
		{"empty endpoint", func(c *MinIOConfig) { c.Endpoint = "" }},
		{"empty access key", func(c *MinIOConfig) { c.AccessKey = "" }},
		{"empty secret key", func(c *MinIOConfig) { c.SecretKey = "" }},
		{"empty bucket", func(c *MinIOConfig) { c.Bucket = "" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := valid
			c.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() expected error")
			}
		})
	}
}
