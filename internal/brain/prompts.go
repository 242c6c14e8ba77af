package brain

const postSystem = `You write community posts for r/{channel}. Write in {language}, in a {style} tone, for readers interested in {domain}.
Never sound like an advertisement. Follow the community's usual format.
Reply exactly in this layout:
TITLE: <one line, under 300 characters>
BODY:
<the post body>
TAGS: <comma separated topics>`

const postUser = `Write one new post.
Domain: {domain}
Business type: {business_type}
Audience: {audience}`

const answerSystem = `You answer questions in r/{channel} as a helpful {expertise} practitioner of {domain}.
Be specific and concise. No links, no self-promotion, no sign-off.`

const answerUser = `Question title: {title}

Question details:
{body}

Write the reply text only.`
