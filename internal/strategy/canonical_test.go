package strategy

import "testing"

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"size segment",
			"https://cdn.test/v/t51/s640x640/12345_n.jpg",
			"https://cdn.test/v/t51/12345_n.jpg",
		},
		{
			"every directive",
			"https://cdn.test/v/t51/e35/c0.135.1080.1080a/p1080x1080/12345_n.jpg",
			"https://cdn.test/v/t51/12345_n.jpg",
		},
		{
			"size query params",
			"https://cdn.test/img.jpg?stp=dst-jpg_e35_s640x640&_nc_ht=x&w=320",
			"https://cdn.test/img.jpg?_nc_ht=x",
		},
		{
			"query order preserved",
			"https://cdn.test/img.jpg?z=1&height=10&a=2",
			"https://cdn.test/img.jpg?z=1&a=2",
		},
		{
			"all params stripped",
			"https://cdn.test/img.jpg?width=10",
			"https://cdn.test/img.jpg",
		},
		{
			"wiki thumbnail",
			"https://wiki.test/images/thumb/a/ab/Logo.png/320px-Logo.png",
			"https://wiki.test/images/a/ab/Logo.png",
		},
		{
			"wiki thumbnail with size segments",
			"https://upload.test/thumb/s150x150/File.png/320px-File.png",
			"https://upload.test/File.png",
		},
		{
			"cdn thumbnail with variant segment",
			"https://cdn.test/v/thumb/e35/a.jpg/320px-a.jpg",
			"https://cdn.test/v/a.jpg",
		},
		{
			"nothing to strip",
			"https://cdn.test/img.jpg?z=1&a=2",
			"https://cdn.test/img.jpg?z=1&a=2",
		},
		{
			"look-alike segments kept",
			"https://cdn.test/s640/photo-e35.jpg",
			"https://cdn.test/s640/photo-e35.jpg",
		},
		{
			"not a URL",
			"::not a url",
			"::not a url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Canonicalize(tt.in)
			if got != tt.want {
				t.Errorf("Canonicalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if again := Canonicalize(got); again != got {
				t.Errorf("Canonicalize is not idempotent: %q -> %q", got, again)
			}
		})
	}
}
