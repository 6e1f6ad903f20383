package netdisk

// Profile is one concrete way of asking a share endpoint: a host, path,
// HTTP method and body encoding. Different edge deployments of the remote
// side accept different combinations, so each endpoint family carries an
// ordered probe list.
type Profile struct {
	Name    string
	Host    string
	Path    string
	Method  string
	UseForm bool
}

var shareInfoProfiles = []Profile{
	{
		Name:   "getShareInfoByCodeV2_get_cloud_query",
		Host:   "cloud.189.cn",
		Path:   "/api/open/share/getShareInfoByCodeV2.action",
		Method: "GET",
	},
	{
		Name:    "getShareInfoByCodeV2_post_cloud_form",
		Host:    "cloud.189.cn",
		Path:    "/api/open/share/getShareInfoByCodeV2.action",
		Method:  "POST",
		UseForm: true,
	},
	{
		Name:    "getShareInfoByCodeV2_post_api_form",
		Host:    "api.cloud.189.cn",
		Path:    "/open/share/getShareInfoByCodeV2.action",
		Method:  "POST",
		UseForm: true,
	},
}

var shareCheckProfiles = []Profile{
	{
		Name:   "checkAccessCode_get_cloud_query",
		Host:   "cloud.189.cn",
		Path:   "/api/open/share/checkAccessCode.action",
		Method: "GET",
	},
	{
		Name:    "checkAccessCode_post_cloud_form",
		Host:    "cloud.189.cn",
		Path:    "/api/open/share/checkAccessCode.action",
		Method:  "POST",
		UseForm: true,
	},
	{
		Name:    "checkAccessCode_post_api_form",
		Host:    "api.cloud.189.cn",
		Path:    "/open/share/checkAccessCode.action",
		Method:  "POST",
		UseForm: true,
	},
}

var shareListProfiles = []Profile{
	{
		Name:   "listShareDir_get_cloud_query",
		Host:   "cloud.189.cn",
		Path:   "/api/open/share/listShareDir.action",
		Method: "GET",
	},
	{
		Name:   "listShareDir_get_api_query",
		Host:   "api.cloud.189.cn",
		Path:   "/open/share/listShareDir.action",
		Method: "GET",
	},
	{
		Name:    "listShareDir_post_cloud_form",
		Host:    "cloud.189.cn",
		Path:    "/api/open/share/listShareDir.action",
		Method:  "POST",
		UseForm: true,
	},
}

// Attempt is one diagnostic record in the resolve trail. Every probe appends
// one regardless of outcome; the trail is the primary debugging surface when
// resolution fails entirely.
type Attempt struct {
	Step        string `json:"step"`
	Endpoint    string `json:"endpoint"`
	OK          bool   `json:"ok"`
	Message     string `json:"message,omitempty"`
	ShareID     string `json:"shareId,omitempty"`
	Host        string `json:"host,omitempty"`
	Method      string `json:"method,omitempty"`
	Profile     string `json:"profile,omitempty"`
	Status      int    `json:"status,omitempty"`
	BodyType    string `json:"bodyType,omitempty"`
	BodyPreview string `json:"bodyPreview,omitempty"`
}
