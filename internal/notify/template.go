package notify

// EmailTemplateData is the context passed to the notification email templates.
type EmailTemplateData struct {
	// Subject as given by the job; the templates fall back to a generic one.
	Subject  string
	Body     string
	JobToken string
}
